package coding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists coding-record aggregates. Update applies the mutator
// under per-record mutual exclusion: the read, the mutation, and the audit
// append commit as one unit or not at all.
type Repository interface {
	Create(ctx context.Context, rec *CodingRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*CodingRecord, error)
	GetByNumber(ctx context.Context, codingNumber string) (*CodingRecord, error)
	Update(ctx context.Context, id uuid.UUID, mutate func(*CodingRecord) error) (*CodingRecord, error)
	List(ctx context.Context, filter QueueFilter, limit, offset int) ([]*CodingRecord, int, error)
}

// NumberAllocator issues coding numbers: COD + YYYYMMDD + 5-digit sequence,
// monotonically increasing within a day and safe under concurrent
// allocation.
type NumberAllocator interface {
	Next(ctx context.Context, day time.Time) (string, error)
}

// BillingSync is the external billing collaborator. Implementations must be
// idempotent: syncing a record that already carries a bill reference
// returns the existing reference without side effects.
type BillingSync interface {
	SyncToBilling(ctx context.Context, rec *CodingRecord) (string, error)
}

// QueueFilter narrows work-queue listings. Zero values mean "any".
type QueueFilter struct {
	Status        string
	Coder         string
	EncounterKind string
	PatientRef    string
}

// FormatCodingNumber renders COD + 8-digit date + 5-digit zero-padded
// sequence, e.g. COD2026082400042.
func FormatCodingNumber(day time.Time, seq int) string {
	return fmt.Sprintf("COD%s%05d", day.UTC().Format("20060102"), seq)
}

