package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists bills. Bills are immutable snapshots except for
// payment posting, so there is no general update path.
type Repository interface {
	Create(ctx context.Context, bill *Bill) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	GetByNumber(ctx context.Context, billNumber string) (*Bill, error)
	GetByCodingRecordID(ctx context.Context, recordID uuid.UUID) (*Bill, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Bill, int, error)
}

// NumberAllocator hands out the next daily bill-number sequence value.
type NumberAllocator interface {
	Next(ctx context.Context, day time.Time) (string, error)
}

// Filter narrows bill listings. Empty fields match everything.
type Filter struct {
	Status     string
	VisitType  string
	PatientRef string
}

// FormatBillNumber renders a bill number: BILL + UTC day + zero-padded
// daily sequence, e.g. BILL2026082400042.
func FormatBillNumber(day time.Time, seq int) string {
	return fmt.Sprintf("BILL%s%05d", day.UTC().Format("20060102"), seq)
}
