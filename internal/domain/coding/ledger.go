package coding

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Statuses in which the coder may still edit line items and diagnoses.
var coderEditableStatuses = map[string]bool{
	StatusAwaitingCoding: true,
	StatusCoded:          true,
	StatusReturned:       true,
	StatusResubmitted:    true,
}

// TotalOf is the derived billable total: sum of amount x quantity over the
// line items. Pure, recomputed on demand, never persisted.
func TotalOf(items []AssignedCode) float64 {
	total := 0.0
	for i := range items {
		total += items[i].Amount * float64(items[i].Quantity)
	}
	return total
}

func (r *CodingRecord) editableGuard(what string) error {
	if !coderEditableStatuses[r.Status] {
		return fmt.Errorf("%w: %s cannot be edited in status %q", ErrInvalidTransition, what, r.Status)
	}
	return nil
}

// assignCode appends one procedure-code line item. The first assignment on
// a fresh record performs the assign_codes transition to coded; later
// assignments only annotate the trail.
func (r *CodingRecord) assignCode(in LineItemInput, actor Actor) (*AssignedCode, error) {
	if in.Code == "" {
		return nil, validationErr("code", "procedure code is required")
	}
	if in.Quantity < 1 {
		return nil, validationErr("quantity", "quantity must be at least 1")
	}
	if in.Amount < 0 {
		return nil, validationErr("amount", "amount must not be negative")
	}
	if err := r.editableGuard("assigned codes"); err != nil {
		return nil, err
	}
	line := AssignedCode{
		ID:               uuid.New(),
		RecordID:         r.ID,
		Code:             in.Code,
		Quantity:         in.Quantity,
		Modifier:         in.Modifier,
		Modifier2:        in.Modifier2,
		DiagnosisPointer: in.DiagnosisPointer,
		Units:            in.Units,
		Amount:           in.Amount,
		Notes:            in.Notes,
		AddedBy:          actor.ID,
		AddedAt:          time.Now().UTC(),
		Position:         len(r.AssignedCodes) + 1,
	}
	r.AssignedCodes = append(r.AssignedCodes, line)
	if r.Status == StatusAwaitingCoding {
		now := line.AddedAt
		r.CodedBy = strPtr(actor.ID)
		r.CodedAt = timePtr(now)
		r.applyTransition(ActionAssignCodes, actor, line.snapshot())
	} else {
		r.appendAudit(auditCodesAdded, actor, nil, nil, line.snapshot())
	}
	r.RecomputeTotal()
	return &r.AssignedCodes[len(r.AssignedCodes)-1], nil
}

// removeCode deletes a line item and preserves its snapshot in the trail
// for forensic replay. Removing the last line does not regress the status.
func (r *CodingRecord) removeCode(lineID uuid.UUID, actor Actor) error {
	if err := r.editableGuard("assigned codes"); err != nil {
		return err
	}
	line := r.findAssignedCode(lineID)
	if line == nil {
		return fmt.Errorf("%w: line item %s", ErrNotFound, lineID)
	}
	snapshot := line.snapshot()
	kept := r.AssignedCodes[:0]
	for i := range r.AssignedCodes {
		if r.AssignedCodes[i].ID != lineID {
			kept = append(kept, r.AssignedCodes[i])
		}
	}
	for i := range kept {
		kept[i].Position = i + 1
	}
	r.AssignedCodes = kept
	r.appendAudit(auditCodesRemoved, actor, nil, nil, snapshot)
	r.RecomputeTotal()
	return nil
}

// addDiagnosis appends a diagnosis code. Marking it primary demotes any
// existing primary in the same mutation.
func (r *CodingRecord) addDiagnosis(in DiagnosisInput, actor Actor) (*DiagnosisCode, error) {
	if in.Code == "" {
		return nil, validationErr("code", "diagnosis code is required")
	}
	if err := r.editableGuard("diagnosis codes"); err != nil {
		return nil, err
	}
	details := map[string]interface{}{"code": in.Code, "is_primary": in.IsPrimary}
	if in.IsPrimary {
		if prev := r.clearPrimaryDiagnosis(); prev != "" {
			details["previous_primary"] = prev
		}
	}
	diag := DiagnosisCode{
		ID:          uuid.New(),
		RecordID:    r.ID,
		Code:        in.Code,
		Description: in.Description,
		IsPrimary:   in.IsPrimary,
		Sequence:    len(r.DiagnosisCodes) + 1,
	}
	r.DiagnosisCodes = append(r.DiagnosisCodes, diag)
	r.appendAudit(auditDiagnosisAdded, actor, nil, nil, details)
	return &r.DiagnosisCodes[len(r.DiagnosisCodes)-1], nil
}

// setPrimaryDiagnosis promotes an existing diagnosis code, demoting the
// current primary so exactly one entry carries the flag.
func (r *CodingRecord) setPrimaryDiagnosis(code string, actor Actor) error {
	if code == "" {
		return validationErr("code", "diagnosis code is required")
	}
	if err := r.editableGuard("diagnosis codes"); err != nil {
		return err
	}
	var target *DiagnosisCode
	for i := range r.DiagnosisCodes {
		if r.DiagnosisCodes[i].Code == code {
			target = &r.DiagnosisCodes[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: diagnosis code %q", ErrNotFound, code)
	}
	details := map[string]interface{}{"code": code}
	if prev := r.clearPrimaryDiagnosis(); prev != "" && prev != code {
		details["previous_primary"] = prev
	}
	target.IsPrimary = true
	r.appendAudit(auditPrimaryDiagnosisSet, actor, nil, nil, details)
	return nil
}

// clearPrimaryDiagnosis demotes the current primary, if any, and returns
// its code.
func (r *CodingRecord) clearPrimaryDiagnosis() string {
	prev := ""
	for i := range r.DiagnosisCodes {
		if r.DiagnosisCodes[i].IsPrimary {
			prev = r.DiagnosisCodes[i].Code
			r.DiagnosisCodes[i].IsPrimary = false
		}
	}
	return prev
}
