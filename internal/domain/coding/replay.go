package coding

import (
	"fmt"
	"sort"
)

// ReplayLine is a line item as reconstructed from the audit trail.
type ReplayLine struct {
	LineID   string
	Code     string
	Quantity int
	Amount   float64
}

// ReplayDiagnosis is a diagnosis code as reconstructed from the trail.
type ReplayDiagnosis struct {
	Code      string
	IsPrimary bool
}

// ReplayState is the record state implied by folding the audit trail in
// order. The persisted record is a materialized view of the trail, so the
// two must always agree.
type ReplayState struct {
	Status    string
	Lines     []ReplayLine
	Diagnoses []ReplayDiagnosis
}

// Replay folds the trail into the state it implies. Entries are ordered by
// their per-record sequence number before folding, so callers may pass the
// trail as loaded.
func Replay(entries []AuditEntry) ReplayState {
	ordered := make([]AuditEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	var st ReplayState
	for i := range ordered {
		e := &ordered[i]
		if e.NewStatus != nil {
			st.Status = *e.NewStatus
		}
		switch e.Action {
		case string(ActionAssignCodes), auditCodesAdded:
			st.Lines = append(st.Lines, ReplayLine{
				LineID:   detailString(e.Details, "line_id"),
				Code:     detailString(e.Details, "code"),
				Quantity: detailInt(e.Details, "quantity"),
				Amount:   detailFloat(e.Details, "amount"),
			})
		case auditCodesRemoved:
			id := detailString(e.Details, "line_id")
			kept := st.Lines[:0]
			for _, l := range st.Lines {
				if l.LineID != id {
					kept = append(kept, l)
				}
			}
			st.Lines = kept
		case auditDiagnosisAdded:
			primary := detailBool(e.Details, "is_primary")
			if primary {
				for j := range st.Diagnoses {
					st.Diagnoses[j].IsPrimary = false
				}
			}
			st.Diagnoses = append(st.Diagnoses, ReplayDiagnosis{
				Code:      detailString(e.Details, "code"),
				IsPrimary: primary,
			})
		case auditPrimaryDiagnosisSet:
			code := detailString(e.Details, "code")
			for j := range st.Diagnoses {
				st.Diagnoses[j].IsPrimary = false
			}
			for j := range st.Diagnoses {
				if st.Diagnoses[j].Code == code {
					st.Diagnoses[j].IsPrimary = true
					break
				}
			}
		}
	}
	return st
}

// Diff compares the replayed state against a materialized record and
// returns one message per divergence. An empty result means the record is
// faithfully re-derivable from its trail.
func (st ReplayState) Diff(r *CodingRecord) []string {
	var diffs []string
	if st.Status != r.Status {
		diffs = append(diffs, fmt.Sprintf("status: replay %q, record %q", st.Status, r.Status))
	}
	if len(st.Lines) != len(r.AssignedCodes) {
		diffs = append(diffs, fmt.Sprintf("assigned codes: replay has %d, record has %d", len(st.Lines), len(r.AssignedCodes)))
	} else {
		for i := range st.Lines {
			l, m := st.Lines[i], r.AssignedCodes[i]
			if l.LineID != m.ID.String() || l.Code != m.Code || l.Quantity != m.Quantity || l.Amount != m.Amount {
				diffs = append(diffs, fmt.Sprintf("assigned code %d: replay %+v, record {%s %s %d %v}", i, l, m.ID, m.Code, m.Quantity, m.Amount))
			}
		}
	}
	if len(st.Diagnoses) != len(r.DiagnosisCodes) {
		diffs = append(diffs, fmt.Sprintf("diagnoses: replay has %d, record has %d", len(st.Diagnoses), len(r.DiagnosisCodes)))
	} else {
		for i := range st.Diagnoses {
			d, m := st.Diagnoses[i], r.DiagnosisCodes[i]
			if d.Code != m.Code || d.IsPrimary != m.IsPrimary {
				diffs = append(diffs, fmt.Sprintf("diagnosis %d: replay %+v, record {%s primary=%t}", i, d, m.Code, m.IsPrimary))
			}
		}
	}
	return diffs
}

// Detail readers tolerate both in-memory values and the types the jsonb
// round trip produces.

func detailString(d map[string]interface{}, key string) string {
	if d == nil {
		return ""
	}
	if s, ok := d[key].(string); ok {
		return s
	}
	return ""
}

func detailInt(d map[string]interface{}, key string) int {
	if d == nil {
		return 0
	}
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func detailFloat(d map[string]interface{}, key string) float64 {
	if d == nil {
		return 0
	}
	switch v := d[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func detailBool(d map[string]interface{}, key string) bool {
	if d == nil {
		return false
	}
	if b, ok := d[key].(bool); ok {
		return b
	}
	return false
}
