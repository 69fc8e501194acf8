package coding

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// raiseQuery opens a coder question against the finalizing clinician.
// Raised from coded it moves the record to queried; raised during review it
// leaves the status alone but blocks approval until answered.
func (r *CodingRecord) raiseQuery(text string, actor Actor) (*CoderQuery, error) {
	if text == "" {
		return nil, validationErr("text", "query text is required")
	}
	if r.Status != StatusCoded && r.Status != StatusUnderReview {
		return nil, fmt.Errorf("%w: cannot raise a query from status %q", ErrInvalidTransition, r.Status)
	}
	q := CoderQuery{
		ID:       uuid.New(),
		RecordID: r.ID,
		Text:     text,
		RaisedBy: actor.ID,
		RaisedAt: time.Now().UTC(),
		Status:   QueryOpen,
		Position: len(r.Queries) + 1,
	}
	r.Queries = append(r.Queries, q)
	details := map[string]interface{}{"query_id": q.ID.String(), "text": text}
	if r.Status == StatusCoded {
		r.applyTransition(ActionAddQuery, actor, details)
	} else {
		r.appendAudit(auditQueryRaised, actor, nil, nil, details)
	}
	return &r.Queries[len(r.Queries)-1], nil
}

// answerQuery records the clinician's response to an open query. Answering
// while the record sits in queried moves it back to coded; answering a
// query raised during review only annotates the trail.
func (r *CodingRecord) answerQuery(queryID uuid.UUID, response string, actor Actor) error {
	if response == "" {
		return validationErr("response", "query response is required")
	}
	q := r.findQuery(queryID)
	if q == nil {
		return fmt.Errorf("%w: query %s", ErrNotFound, queryID)
	}
	if q.Status != QueryOpen {
		return fmt.Errorf("%w: query %s is %s", ErrAlreadyAnswered, queryID, q.Status)
	}
	now := time.Now().UTC()
	q.Response = strPtr(response)
	q.RespondedBy = strPtr(actor.ID)
	q.RespondedAt = timePtr(now)
	q.Status = QueryAnswered
	details := map[string]interface{}{"query_id": q.ID.String(), "response": response}
	if r.Status == StatusQueried {
		r.applyTransition(ActionAnswerQuery, actor, details)
	} else {
		r.appendAudit(auditQueryAnswered, actor, nil, nil, details)
	}
	return nil
}

// closeQuery retires an answered query. Open queries cannot be closed
// directly; they must be answered first.
func (r *CodingRecord) closeQuery(queryID uuid.UUID, actor Actor) error {
	q := r.findQuery(queryID)
	if q == nil {
		return fmt.Errorf("%w: query %s", ErrNotFound, queryID)
	}
	if q.Status != QueryAnswered {
		return fmt.Errorf("%w: query %s is %s, only answered queries can be closed", ErrInvalidTransition, queryID, q.Status)
	}
	q.Status = QueryClosed
	r.appendAudit(auditQueryClosed, actor, nil, nil, map[string]interface{}{"query_id": q.ID.String()})
	return nil
}
