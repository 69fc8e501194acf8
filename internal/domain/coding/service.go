package coding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service orchestrates the coding workflow: it validates input, runs every
// mutation through the repository's atomic read-modify-write, retries
// bounded on concurrent modification, and talks to the billing
// collaborator.
type Service struct {
	repo      Repository
	allocator NumberAllocator
	billing   BillingSync

	storeTimeout time.Duration
	maxAttempts  int
	retryBackoff time.Duration
}

func NewService(repo Repository, allocator NumberAllocator, billing BillingSync) *Service {
	return &Service{
		repo:         repo,
		allocator:    allocator,
		billing:      billing,
		storeTimeout: 5 * time.Second,
		maxAttempts:  3,
		retryBackoff: 50 * time.Millisecond,
	}
}

// SetStoreTimeout overrides the per-operation store deadline.
func (s *Service) SetStoreTimeout(d time.Duration) {
	if d > 0 {
		s.storeTimeout = d
	}
}

// SetRetryPolicy overrides the bounded retry on concurrent modification.
func (s *Service) SetRetryPolicy(attempts int, backoff time.Duration) {
	if attempts > 0 {
		s.maxAttempts = attempts
	}
	if backoff >= 0 {
		s.retryBackoff = backoff
	}
}

const roleAdmin = "admin"

var validStatuses = map[string]bool{
	StatusAwaitingCoding: true,
	StatusCoded:          true,
	StatusQueried:        true,
	StatusUnderReview:    true,
	StatusReturned:       true,
	StatusResubmitted:    true,
	StatusApproved:       true,
	StatusSubmitted:      true,
	StatusClosed:         true,
}

var validEncounterKinds = map[string]bool{
	EncounterOPD:       true,
	EncounterAdmission: true,
	EncounterEmergency: true,
}

// CreateRecordInput carries the encounter-finalization payload.
type CreateRecordInput struct {
	PatientRef          string `json:"patient_ref"`
	EncounterRef        string `json:"encounter_ref"`
	EncounterKind       string `json:"encounter_kind"`
	FinalizingClinician string `json:"finalizing_clinician"`
}

// LineItemInput is the caller-supplied portion of an assigned code.
type LineItemInput struct {
	Code             string   `json:"code"`
	Quantity         int      `json:"quantity"`
	Modifier         *string  `json:"modifier,omitempty"`
	Modifier2        *string  `json:"modifier2,omitempty"`
	DiagnosisPointer *int     `json:"diagnosis_pointer,omitempty"`
	Units            *float64 `json:"units,omitempty"`
	Amount           float64  `json:"amount"`
	Notes            *string  `json:"notes,omitempty"`
}

// DiagnosisInput is the caller-supplied portion of a diagnosis code.
type DiagnosisInput struct {
	Code        string  `json:"code"`
	Description *string `json:"description,omitempty"`
	IsPrimary   bool    `json:"is_primary"`
}

func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func requireActor(actor Actor) error {
	if actor.ID == "" {
		return validationErr("actor", "actor identity is required")
	}
	return nil
}

// CreateRecord opens a coding record for a freshly finalized encounter. The
// coding number is allocated atomically; a colliding number is re-allocated
// up to the attempt bound before the creation fails with
// ErrAllocationExhausted.
func (s *Service) CreateRecord(ctx context.Context, in CreateRecordInput, actor Actor) (*CodingRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if in.PatientRef == "" {
		return nil, validationErr("patient_ref", "patient reference is required")
	}
	if in.EncounterRef == "" {
		return nil, validationErr("encounter_ref", "encounter reference is required")
	}
	if !validEncounterKinds[in.EncounterKind] {
		return nil, validationErr("encounter_kind", fmt.Sprintf("must be one of %s, %s, %s", EncounterOPD, EncounterAdmission, EncounterEmergency))
	}
	if in.FinalizingClinician == "" {
		return nil, validationErr("finalizing_clinician", "finalizing clinician is required")
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		opCtx, cancel := s.opCtx(ctx)
		number, err := s.allocator.Next(opCtx, time.Now().UTC())
		cancel()
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		rec := &CodingRecord{
			ID:                  uuid.New(),
			CodingNumber:        number,
			PatientRef:          in.PatientRef,
			EncounterRef:        in.EncounterRef,
			EncounterKind:       in.EncounterKind,
			FinalizingClinician: in.FinalizingClinician,
			Status:              StatusAwaitingCoding,
			CreatedBy:           actor.ID,
			VersionID:           1,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		rec.appendAudit(auditCreated, actor, nil, strPtr(StatusAwaitingCoding), map[string]interface{}{
			"coding_number":  number,
			"encounter_ref":  in.EncounterRef,
			"encounter_kind": in.EncounterKind,
		})

		opCtx, cancel = s.opCtx(ctx)
		err = s.repo.Create(opCtx, rec)
		cancel()
		if errors.Is(err, ErrDuplicateNumber) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%w: no unique number after %d attempts", ErrAllocationExhausted, s.maxAttempts)
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*CodingRecord, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.repo.GetByID(opCtx, id)
}

func (s *Service) GetRecordByNumber(ctx context.Context, codingNumber string) (*CodingRecord, error) {
	if codingNumber == "" {
		return nil, validationErr("coding_number", "coding number is required")
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.repo.GetByNumber(opCtx, codingNumber)
}

// ListQueue serves the work-queue views: by status, by coder, by encounter
// kind, by patient. Closed records are excluded only by the caller's status
// filter; nothing is ever physically deleted.
func (s *Service) ListQueue(ctx context.Context, filter QueueFilter, limit, offset int) ([]*CodingRecord, int, error) {
	if filter.Status != "" && !validStatuses[filter.Status] {
		return nil, 0, validationErr("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	if filter.EncounterKind != "" && !validEncounterKinds[filter.EncounterKind] {
		return nil, 0, validationErr("encounter_kind", fmt.Sprintf("unknown encounter kind %q", filter.EncounterKind))
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.repo.List(opCtx, filter, limit, offset)
}

func (s *Service) GetAuditTrail(ctx context.Context, id uuid.UUID) ([]AuditEntry, error) {
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.AuditTrail, nil
}

// update runs one mutator through the repository with the bounded
// concurrent-modification retry.
func (s *Service) update(ctx context.Context, id uuid.UUID, mutate func(*CodingRecord) error) (*CodingRecord, error) {
	var rec *CodingRecord
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * s.retryBackoff):
			}
		}
		opCtx, cancel := s.opCtx(ctx)
		rec, err = s.repo.Update(opCtx, id, mutate)
		cancel()
		if !errors.Is(err, ErrConcurrentModification) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// AssignCode appends a procedure-code line item; the first assignment moves
// a fresh record from awaiting_coding to coded.
func (s *Service) AssignCode(ctx context.Context, id uuid.UUID, in LineItemInput, actor Actor) (*CodingRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(rec *CodingRecord) error {
		_, err := rec.assignCode(in, actor)
		return err
	})
}

// RemoveCode deletes a line item, preserving its snapshot in the audit
// trail.
func (s *Service) RemoveCode(ctx context.Context, id, lineID uuid.UUID, actor Actor) (*CodingRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(rec *CodingRecord) error {
		return rec.removeCode(lineID, actor)
	})
}

func (s *Service) AddDiagnosis(ctx context.Context, id uuid.UUID, in DiagnosisInput, actor Actor) (*CodingRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(rec *CodingRecord) error {
		_, err := rec.addDiagnosis(in, actor)
		return err
	})
}

func (s *Service) SetPrimaryDiagnosis(ctx context.Context, id uuid.UUID, code string, actor Actor) (*CodingRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(rec *CodingRecord) error {
		return rec.setPrimaryDiagnosis(code, actor)
	})
}

// RaiseQuery opens a coder question. From coded the record moves to
// queried; during review the status stays put but approval is blocked until
// the query is answered.
func (s *Service) RaiseQuery(ctx context.Context, id uuid.UUID, text string, actor Actor) (*CodingRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(rec *CodingRecord) error {
		_, err := rec.raiseQuery(text, actor)
		return err
	})
}

// AnswerQuery records the finalizing clinician's response. Only the
// record's finalizing clinician (or an admin) may answer.
func (s *Service) AnswerQuery(ctx context.Context, id, queryID uuid.UUID, response string, actor Actor) (*CodingRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(rec *CodingRecord) error {
		if actor.Role != roleAdmin && actor.ID != rec.FinalizingClinician {
			return validationErr("actor", "only the finalizing clinician may answer queries")
		}
		return rec.answerQuery(queryID, response, actor)
	})
}

func (s *Service) CloseQuery(ctx context.Context, id, queryID uuid.UUID, actor Actor) (*CodingRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(rec *CodingRecord) error {
		return rec.closeQuery(queryID, actor)
	})
}

// Transition is the generic state-machine entry point. Payload-carrying
// actions (assign_codes, add_query, answer_query) and the billing-driven
// sync_bill go through their dedicated operations; return_to_coder reads
// its reason from details["reason"].
func (s *Service) Transition(ctx context.Context, id uuid.UUID, action Action, actor Actor, details map[string]interface{}) (*CodingRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, ok := transitions[action]; !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	switch action {
	case ActionAssignCodes, ActionAddQuery, ActionAnswerQuery:
		return nil, validationErr("action", fmt.Sprintf("%s carries a payload; use its dedicated operation", action))
	case ActionSyncBill:
		return nil, validationErr("action", "sync_bill is driven by the billing sync operation")
	}
	return s.update(ctx, id, func(rec *CodingRecord) error {
		switch action {
		case ActionSubmitForReview:
			return rec.submitForReview(actor, details)
		case ActionApproveReview:
			return rec.approveReview(actor, details)
		case ActionReturnToCoder:
			reason, _ := details["reason"].(string)
			return rec.returnToCoder(reason, actor, details)
		case ActionResubmit:
			return rec.resubmit(actor, details)
		case ActionSubmitToBilling:
			return rec.submitToBilling(actor, details)
		default:
			return fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
		}
	})
}

// SyncBilling pushes a submitted record into the billing subsystem and
// closes it. A record already closed with a bill reference is returned
// as-is; a failing collaborator leaves the record in submitted for the
// sweep to retry.
func (s *Service) SyncBilling(ctx context.Context, id uuid.UUID, actor Actor) (*CodingRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusClosed && rec.LinkedBillRef != nil {
		return rec, nil
	}
	if err := rec.guard(ActionSyncBill, actor); err != nil {
		return nil, err
	}
	billRef, err := s.billing.SyncToBilling(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrBillingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBillingUnavailable, err)
	}
	return s.update(ctx, id, func(r *CodingRecord) error {
		if r.Status == StatusClosed && r.LinkedBillRef != nil && *r.LinkedBillRef == billRef {
			return nil
		}
		return r.completeBillSync(billRef, actor)
	})
}

// RetryPendingBillSyncs is the reconciliation sweep: it walks records stuck
// in submitted and re-runs the idempotent billing sync. Failed records are
// skipped and picked up again on the next sweep.
func (s *Service) RetryPendingBillSyncs(ctx context.Context, batchSize int, actor Actor) (synced, failed int, err error) {
	if batchSize < 1 {
		batchSize = 50
	}
	for {
		opCtx, cancel := s.opCtx(ctx)
		recs, _, listErr := s.repo.List(opCtx, QueueFilter{Status: StatusSubmitted}, batchSize, failed)
		cancel()
		if listErr != nil {
			return synced, failed, listErr
		}
		if len(recs) == 0 {
			return synced, failed, nil
		}
		for _, rec := range recs {
			if _, syncErr := s.SyncBilling(ctx, rec.ID, actor); syncErr != nil {
				failed++
				continue
			}
			synced++
		}
		if ctx.Err() != nil {
			return synced, failed, ctx.Err()
		}
	}
}
