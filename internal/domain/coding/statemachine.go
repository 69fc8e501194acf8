package coding

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action names every state-machine entry point. The audit trail records the
// action string verbatim.
type Action string

const (
	ActionAssignCodes     Action = "assign_codes"
	ActionAddQuery        Action = "add_query"
	ActionAnswerQuery     Action = "answer_query"
	ActionSubmitForReview Action = "submit_for_review"
	ActionApproveReview   Action = "approve_review"
	ActionReturnToCoder   Action = "return_to_coder"
	ActionResubmit        Action = "resubmit"
	ActionSubmitToBilling Action = "submit_to_billing"
	ActionSyncBill        Action = "sync_bill"
)

// Non-transition audit annotations.
const (
	auditCreated             = "created"
	auditCodesAdded          = "codes_added"
	auditCodesRemoved        = "codes_removed"
	auditDiagnosisAdded      = "diagnosis_added"
	auditPrimaryDiagnosisSet = "primary_diagnosis_set"
	auditQueryRaised         = "query_raised"
	auditQueryAnswered       = "query_answered"
	auditQueryClosed         = "query_closed"
)

type transitionRule struct {
	from []string
	to   string
	role string
}

// transitions is the authoritative table. Any action attempted from a
// status not listed for it fails with ErrInvalidTransition; an actor whose
// role is neither the rule's role nor admin fails with ErrRoleNotAllowed.
// Either way the record is left unchanged.
var transitions = map[Action]transitionRule{
	ActionAssignCodes:     {from: []string{StatusAwaitingCoding}, to: StatusCoded, role: "coder"},
	ActionAddQuery:        {from: []string{StatusCoded}, to: StatusQueried, role: "coder"},
	ActionAnswerQuery:     {from: []string{StatusQueried}, to: StatusCoded, role: "clinician"},
	ActionSubmitForReview: {from: []string{StatusCoded, StatusResubmitted}, to: StatusUnderReview, role: "coder"},
	ActionApproveReview:   {from: []string{StatusUnderReview}, to: StatusApproved, role: "reviewer"},
	ActionReturnToCoder:   {from: []string{StatusUnderReview}, to: StatusReturned, role: "reviewer"},
	ActionResubmit:        {from: []string{StatusReturned}, to: StatusResubmitted, role: "coder"},
	ActionSubmitToBilling: {from: []string{StatusApproved}, to: StatusSubmitted, role: "billing"},
	ActionSyncBill:        {from: []string{StatusSubmitted}, to: StatusClosed, role: "billing"},
}

// CanTransition reports whether action is legal from the given status.
func CanTransition(status string, action Action) bool {
	rule, ok := transitions[action]
	if !ok {
		return false
	}
	for _, f := range rule.from {
		if f == status {
			return true
		}
	}
	return false
}

// RoleAllowed reports whether role may perform action. Admins may perform
// every action.
func RoleAllowed(action Action, role string) bool {
	rule, ok := transitions[action]
	if !ok {
		return false
	}
	return role == rule.role || role == roleAdmin
}

// guard returns ErrInvalidTransition unless action is legal from the
// record's current status, and ErrRoleNotAllowed unless the actor's role
// may perform it.
func (r *CodingRecord) guard(action Action, actor Actor) error {
	rule, ok := transitions[action]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if !CanTransition(r.Status, action) {
		return fmt.Errorf("%w: cannot %s from status %q", ErrInvalidTransition, action, r.Status)
	}
	if !RoleAllowed(action, actor.Role) {
		return fmt.Errorf("%w: %s requires role %q, got %q", ErrRoleNotAllowed, action, rule.role, actor.Role)
	}
	return nil
}

// applyTransition flips the status and appends the single audit entry that
// accompanies it. Callers must already have checked guard and the action's
// preconditions.
func (r *CodingRecord) applyTransition(action Action, actor Actor, details map[string]interface{}) {
	prev := r.Status
	r.Status = transitions[action].to
	r.appendAudit(string(action), actor, strPtr(prev), strPtr(r.Status), details)
}

// submitForReview moves a coded or resubmitted record into review. Blocks
// while any query is still open, while any return is unresolved, or when no
// codes are assigned.
func (r *CodingRecord) submitForReview(actor Actor, details map[string]interface{}) error {
	if err := r.guard(ActionSubmitForReview, actor); err != nil {
		return err
	}
	if len(r.AssignedCodes) == 0 {
		return fmt.Errorf("%w: submit_for_review requires at least one assigned code", ErrInvalidTransition)
	}
	if n := r.OpenQueryCount(); n > 0 {
		return fmt.Errorf("%w: submit_for_review blocked by %d open query(ies)", ErrInvalidTransition, n)
	}
	if n := r.UnresolvedReturns(); n > 0 {
		return fmt.Errorf("%w: submit_for_review blocked by %d unresolved return(s)", ErrInvalidTransition, n)
	}
	r.applyTransition(ActionSubmitForReview, actor, details)
	return nil
}

// approveReview approves a record under review. Open queries raised during
// review block approval without changing the top-level status.
func (r *CodingRecord) approveReview(actor Actor, details map[string]interface{}) error {
	if err := r.guard(ActionApproveReview, actor); err != nil {
		return err
	}
	if n := r.OpenQueryCount(); n > 0 {
		return fmt.Errorf("%w: approve_review blocked by %d open query(ies)", ErrInvalidTransition, n)
	}
	now := time.Now().UTC()
	r.ReviewedBy = strPtr(actor.ID)
	r.ReviewedAt = timePtr(now)
	r.ApprovedBy = strPtr(actor.ID)
	r.ApprovedAt = timePtr(now)
	r.applyTransition(ActionApproveReview, actor, details)
	return nil
}

// returnToCoder sends a record under review back with a reason. The reason
// is mandatory and becomes the current return reason until resolution.
func (r *CodingRecord) returnToCoder(reason string, actor Actor, details map[string]interface{}) error {
	if err := r.guard(ActionReturnToCoder, actor); err != nil {
		return err
	}
	if reason == "" {
		return validationErr("reason", "return reason is required")
	}
	now := time.Now().UTC()
	r.ReturnHistory = append(r.ReturnHistory, ReturnEntry{
		ID:         uuid.New(),
		RecordID:   r.ID,
		ReturnedBy: actor.ID,
		ReturnedAt: now,
		Reason:     reason,
		Position:   len(r.ReturnHistory) + 1,
	})
	r.CurrentReturnReason = strPtr(reason)
	r.ReviewedBy = strPtr(actor.ID)
	r.ReviewedAt = timePtr(now)
	r.applyTransition(ActionReturnToCoder, actor, mergeDetails(details, map[string]interface{}{"reason": reason}))
	return nil
}

// resubmit resolves every outstanding return entry and moves the record to
// resubmitted. Requires at least one unresolved return.
func (r *CodingRecord) resubmit(actor Actor, details map[string]interface{}) error {
	if err := r.guard(ActionResubmit, actor); err != nil {
		return err
	}
	unresolved := r.UnresolvedReturns()
	if unresolved == 0 {
		return fmt.Errorf("%w: resubmit requires an unresolved return", ErrInvalidTransition)
	}
	now := time.Now().UTC()
	for i := range r.ReturnHistory {
		if r.ReturnHistory[i].ResolvedAt == nil {
			r.ReturnHistory[i].ResolvedAt = timePtr(now)
		}
	}
	r.CurrentReturnReason = nil
	r.applyTransition(ActionResubmit, actor, mergeDetails(details, map[string]interface{}{"resolved_returns": unresolved}))
	return nil
}

// submitToBilling hands an approved record to the billing clerk's queue.
func (r *CodingRecord) submitToBilling(actor Actor, details map[string]interface{}) error {
	if err := r.guard(ActionSubmitToBilling, actor); err != nil {
		return err
	}
	if r.LinkedBillRef != nil {
		return fmt.Errorf("%w: record is already linked to bill %s", ErrInvalidTransition, *r.LinkedBillRef)
	}
	now := time.Now().UTC()
	r.SubmittedBy = strPtr(actor.ID)
	r.SubmittedAt = timePtr(now)
	r.applyTransition(ActionSubmitToBilling, actor, details)
	return nil
}

// completeBillSync records a successful billing sync and closes the record.
func (r *CodingRecord) completeBillSync(billRef string, actor Actor) error {
	if err := r.guard(ActionSyncBill, actor); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.LinkedBillRef = strPtr(billRef)
	r.BillSyncedAt = timePtr(now)
	r.applyTransition(ActionSyncBill, actor, map[string]interface{}{"bill_ref": billRef})
	return nil
}

// mergeDetails copies caller-supplied audit details and overlays the
// system-generated keys.
func mergeDetails(callerDetails, system map[string]interface{}) map[string]interface{} {
	if callerDetails == nil && system == nil {
		return nil
	}
	out := make(map[string]interface{}, len(callerDetails)+len(system))
	for k, v := range callerDetails {
		out[k] = v
	}
	for k, v := range system {
		out[k] = v
	}
	return out
}
