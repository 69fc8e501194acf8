package coding

import (
	"time"

	"github.com/google/uuid"
)

// Coding record statuses, in lifecycle order. closed is terminal.
const (
	StatusAwaitingCoding = "awaiting_coding"
	StatusCoded          = "coded"
	StatusQueried        = "queried"
	StatusUnderReview    = "under_review"
	StatusReturned       = "returned"
	StatusResubmitted    = "resubmitted"
	StatusApproved       = "approved"
	StatusSubmitted      = "submitted"
	StatusClosed         = "closed"
)

// Encounter kinds that produce a coding record when finalized.
const (
	EncounterOPD       = "opd"
	EncounterAdmission = "admission"
	EncounterEmergency = "emergency"
)

// Coder query statuses.
const (
	QueryOpen     = "open"
	QueryAnswered = "answered"
	QueryClosed   = "closed"
)

// Actor identifies the authenticated user performing an operation. The
// engine never authenticates; it only records who acted.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// CodingRecord maps to the coding_records table. It is the aggregate root
// for one encounter's coding workflow; the child collections are loaded and
// persisted with it as a unit.
type CodingRecord struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	CodingNumber        string     `db:"coding_number" json:"coding_number"`
	PatientRef          string     `db:"patient_ref" json:"patient_ref"`
	EncounterRef        string     `db:"encounter_ref" json:"encounter_ref"`
	EncounterKind       string     `db:"encounter_kind" json:"encounter_kind"`
	FinalizingClinician string     `db:"finalizing_clinician" json:"finalizing_clinician"`
	Status              string     `db:"status" json:"status"`
	CurrentReturnReason *string    `db:"current_return_reason" json:"current_return_reason,omitempty"`
	LinkedBillRef       *string    `db:"linked_bill_ref" json:"linked_bill_ref,omitempty"`
	BillSyncedAt        *time.Time `db:"bill_synced_at" json:"bill_synced_at,omitempty"`
	CodedBy             *string    `db:"coded_by" json:"coded_by,omitempty"`
	CodedAt             *time.Time `db:"coded_at" json:"coded_at,omitempty"`
	ReviewedBy          *string    `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	SubmittedBy         *string    `db:"submitted_by" json:"submitted_by,omitempty"`
	SubmittedAt         *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	ApprovedBy          *string    `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt          *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	CreatedBy           string     `db:"created_by" json:"created_by"`
	VersionID           int        `db:"version_id" json:"version_id"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`

	// TotalAmount is derived from the assigned codes on every read and is
	// never persisted.
	TotalAmount float64 `db:"-" json:"total_amount"`

	AssignedCodes  []AssignedCode  `db:"-" json:"assigned_codes"`
	DiagnosisCodes []DiagnosisCode `db:"-" json:"diagnosis_codes"`
	Queries        []CoderQuery    `db:"-" json:"queries"`
	ReturnHistory  []ReturnEntry   `db:"-" json:"return_history"`
	AuditTrail     []AuditEntry    `db:"-" json:"audit_trail"`
}

// GetVersionID returns the current version.
func (r *CodingRecord) GetVersionID() int { return r.VersionID }

// SetVersionID sets the current version.
func (r *CodingRecord) SetVersionID(v int) { r.VersionID = v }

// RecomputeTotal refreshes the derived total from the current line items.
func (r *CodingRecord) RecomputeTotal() float64 {
	r.TotalAmount = TotalOf(r.AssignedCodes)
	return r.TotalAmount
}

// AssignedCode maps to the coding_assigned_codes table (one procedure-code
// line item).
type AssignedCode struct {
	ID               uuid.UUID `db:"id" json:"id"`
	RecordID         uuid.UUID `db:"record_id" json:"record_id"`
	Code             string    `db:"code" json:"code"`
	Quantity         int       `db:"quantity" json:"quantity"`
	Modifier         *string   `db:"modifier" json:"modifier,omitempty"`
	Modifier2        *string   `db:"modifier2" json:"modifier2,omitempty"`
	DiagnosisPointer *int      `db:"diagnosis_pointer" json:"diagnosis_pointer,omitempty"`
	Units            *float64  `db:"units" json:"units,omitempty"`
	Amount           float64   `db:"amount" json:"amount"`
	Notes            *string   `db:"notes" json:"notes,omitempty"`
	AddedBy          string    `db:"added_by" json:"added_by"`
	AddedAt          time.Time `db:"added_at" json:"added_at"`
	Position         int       `db:"position" json:"position"`
}

// snapshot renders the line item into an audit detail payload.
func (a *AssignedCode) snapshot() map[string]interface{} {
	s := map[string]interface{}{
		"line_id":  a.ID.String(),
		"code":     a.Code,
		"quantity": a.Quantity,
		"amount":   a.Amount,
	}
	if a.Modifier != nil {
		s["modifier"] = *a.Modifier
	}
	if a.Modifier2 != nil {
		s["modifier2"] = *a.Modifier2
	}
	if a.DiagnosisPointer != nil {
		s["diagnosis_pointer"] = *a.DiagnosisPointer
	}
	if a.Units != nil {
		s["units"] = *a.Units
	}
	if a.Notes != nil {
		s["notes"] = *a.Notes
	}
	return s
}

// DiagnosisCode maps to the coding_diagnoses table. At most one entry per
// record carries IsPrimary.
type DiagnosisCode struct {
	ID          uuid.UUID `db:"id" json:"id"`
	RecordID    uuid.UUID `db:"record_id" json:"record_id"`
	Code        string    `db:"code" json:"code"`
	Description *string   `db:"description" json:"description,omitempty"`
	IsPrimary   bool      `db:"is_primary" json:"is_primary"`
	Sequence    int       `db:"sequence" json:"sequence"`
}

// CoderQuery maps to the coding_queries table (a coder's question to the
// finalizing clinician).
type CoderQuery struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	RecordID    uuid.UUID  `db:"record_id" json:"record_id"`
	Text        string     `db:"text" json:"text"`
	RaisedBy    string     `db:"raised_by" json:"raised_by"`
	RaisedAt    time.Time  `db:"raised_at" json:"raised_at"`
	Response    *string    `db:"response" json:"response,omitempty"`
	RespondedBy *string    `db:"responded_by" json:"responded_by,omitempty"`
	RespondedAt *time.Time `db:"responded_at" json:"responded_at,omitempty"`
	Status      string     `db:"status" json:"status"`
	Position    int        `db:"position" json:"position"`
}

// ReturnEntry maps to the coding_returns table (a reviewer sending the
// record back to the coder).
type ReturnEntry struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	RecordID   uuid.UUID  `db:"record_id" json:"record_id"`
	ReturnedBy string     `db:"returned_by" json:"returned_by"`
	ReturnedAt time.Time  `db:"returned_at" json:"returned_at"`
	Reason     string     `db:"reason" json:"reason"`
	ResolvedAt *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	Position   int        `db:"position" json:"position"`
}

// AuditEntry maps to the coding_audit_entries table. The trail is
// append-only; Seq is a per-record monotonic sequence that breaks
// PerformedAt ties without depending on wall clocks.
//
// Details shapes per action: codes_added/codes_removed carry the line-item
// snapshot; diagnosis_added and primary_diagnosis_set carry the code (and
// previous primary); query actions carry query_id and text; return_to_coder
// carries the reason; sync_bill carries bill_ref.
type AuditEntry struct {
	ID             uuid.UUID              `db:"id" json:"id"`
	RecordID       uuid.UUID              `db:"record_id" json:"record_id"`
	Seq            int                    `db:"seq" json:"seq"`
	Action         string                 `db:"action" json:"action"`
	PerformedBy    string                 `db:"performed_by" json:"performed_by"`
	PerformedAt    time.Time              `db:"performed_at" json:"performed_at"`
	PreviousStatus *string                `db:"previous_status" json:"previous_status,omitempty"`
	NewStatus      *string                `db:"new_status" json:"new_status,omitempty"`
	Details        map[string]interface{} `db:"details" json:"details,omitempty"`
}

// appendAudit attaches one trail entry with the next sequence number.
// Callers stamp status fields only for entries that accompany a transition.
func (r *CodingRecord) appendAudit(action string, actor Actor, prev, next *string, details map[string]interface{}) {
	r.AuditTrail = append(r.AuditTrail, AuditEntry{
		ID:             uuid.New(),
		RecordID:       r.ID,
		Seq:            len(r.AuditTrail) + 1,
		Action:         action,
		PerformedBy:    actor.ID,
		PerformedAt:    time.Now().UTC(),
		PreviousStatus: prev,
		NewStatus:      next,
		Details:        details,
	})
}

func (r *CodingRecord) findAssignedCode(lineID uuid.UUID) *AssignedCode {
	for i := range r.AssignedCodes {
		if r.AssignedCodes[i].ID == lineID {
			return &r.AssignedCodes[i]
		}
	}
	return nil
}

func (r *CodingRecord) findQuery(queryID uuid.UUID) *CoderQuery {
	for i := range r.Queries {
		if r.Queries[i].ID == queryID {
			return &r.Queries[i]
		}
	}
	return nil
}

// OpenQueryCount reports how many queries are still awaiting an answer.
func (r *CodingRecord) OpenQueryCount() int {
	n := 0
	for i := range r.Queries {
		if r.Queries[i].Status == QueryOpen {
			n++
		}
	}
	return n
}

// UnresolvedReturns reports how many return entries lack a resolution.
func (r *CodingRecord) UnresolvedReturns() int {
	n := 0
	for i := range r.ReturnHistory {
		if r.ReturnHistory[i].ResolvedAt == nil {
			n++
		}
	}
	return n
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
