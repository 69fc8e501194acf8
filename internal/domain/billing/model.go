package billing

import (
	"time"

	"github.com/google/uuid"
)

// Bill statuses. Bills are created in issued; payment posting moves them
// toward paid.
const (
	BillIssued = "issued"
	BillPaid   = "paid"
)

// Bill maps to the bills table. A bill is the billing-side materialization
// of one closed coding record: exactly one bill may exist per record, and
// its composition is a snapshot taken at sync time.
type Bill struct {
	ID             uuid.UUID `db:"id" json:"id"`
	BillNumber     string    `db:"bill_number" json:"bill_number"`
	CodingRecordID uuid.UUID `db:"coding_record_id" json:"coding_record_id"`
	CodingNumber   string    `db:"coding_number" json:"coding_number"`
	PatientRef     string    `db:"patient_ref" json:"patient_ref"`
	EncounterRef   string    `db:"encounter_ref" json:"encounter_ref"`
	VisitType      string    `db:"visit_type" json:"visit_type"`
	Status         string    `db:"status" json:"status"`
	BillDate       time.Time `db:"bill_date" json:"bill_date"`
	GrandTotal     float64   `db:"grand_total" json:"grand_total"`
	PaidAmount     float64   `db:"paid_amount" json:"paid_amount"`
	CreatedBy      string    `db:"created_by" json:"created_by"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`

	Items []BillItem `db:"-" json:"items,omitempty"`
}

// Outstanding is the unpaid remainder.
func (b *Bill) Outstanding() float64 {
	return b.GrandTotal - b.PaidAmount
}

// BillItem maps to the bill_items table (one copied procedure-code line).
type BillItem struct {
	ID          uuid.UUID `db:"id" json:"id"`
	BillID      uuid.UUID `db:"bill_id" json:"bill_id"`
	Code        string    `db:"code" json:"code"`
	Description *string   `db:"description" json:"description,omitempty"`
	Modifier    *string   `db:"modifier" json:"modifier,omitempty"`
	Quantity    int       `db:"quantity" json:"quantity"`
	Amount      float64   `db:"amount" json:"amount"`
	LineTotal   float64   `db:"line_total" json:"line_total"`
	Position    int       `db:"position" json:"position"`
}

// ItemsTotal sums the snapshot line totals.
func ItemsTotal(items []BillItem) float64 {
	total := 0.0
	for i := range items {
		total += items[i].LineTotal
	}
	return total
}
