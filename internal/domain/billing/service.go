package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medkode/medkode/internal/domain/coding"
)

// Service owns bill reads and the sync adapter consumed by the coding
// engine. It satisfies coding.BillingSync.
type Service struct {
	repo         Repository
	allocator    NumberAllocator
	storeTimeout time.Duration
	maxAttempts  int
}

func NewService(repo Repository, allocator NumberAllocator) *Service {
	return &Service{
		repo:         repo,
		allocator:    allocator,
		storeTimeout: 5 * time.Second,
		maxAttempts:  3,
	}
}

// SetStoreTimeout overrides the per-operation store deadline.
func (s *Service) SetStoreTimeout(d time.Duration) {
	if d > 0 {
		s.storeTimeout = d
	}
}

func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// SyncToBilling materializes one bill per coding record and returns its
// number. Idempotent: a record that already has a bill gets the existing
// number back, including when a concurrent sync wins the insert race.
func (s *Service) SyncToBilling(ctx context.Context, rec *coding.CodingRecord) (string, error) {
	opCtx, cancel := s.opCtx(ctx)
	existing, err := s.repo.GetByCodingRecordID(opCtx, rec.ID)
	cancel()
	if err == nil {
		return existing.BillNumber, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		now := time.Now().UTC()
		opCtx, cancel := s.opCtx(ctx)
		number, err := s.allocator.Next(opCtx, now)
		cancel()
		if err != nil {
			return "", err
		}

		bill := billFromRecord(rec, number, now)
		opCtx, cancel = s.opCtx(ctx)
		err = s.repo.Create(opCtx, bill)
		cancel()
		if err == nil {
			return bill.BillNumber, nil
		}
		if errors.Is(err, ErrDuplicateNumber) {
			continue
		}
		if errors.Is(err, ErrDuplicateBill) {
			opCtx, cancel := s.opCtx(ctx)
			winner, getErr := s.repo.GetByCodingRecordID(opCtx, rec.ID)
			cancel()
			if getErr != nil {
				return "", getErr
			}
			return winner.BillNumber, nil
		}
		return "", err
	}
	return "", fmt.Errorf("%w: no unique bill number after %d attempts", ErrAllocationExhausted, s.maxAttempts)
}

// billFromRecord snapshots the record's billable composition.
func billFromRecord(rec *coding.CodingRecord, number string, now time.Time) *Bill {
	createdBy := "system"
	if rec.SubmittedBy != nil && *rec.SubmittedBy != "" {
		createdBy = *rec.SubmittedBy
	}
	bill := &Bill{
		ID:             uuid.New(),
		BillNumber:     number,
		CodingRecordID: rec.ID,
		CodingNumber:   rec.CodingNumber,
		PatientRef:     rec.PatientRef,
		EncounterRef:   rec.EncounterRef,
		VisitType:      rec.EncounterKind,
		Status:         BillIssued,
		BillDate:       now,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i := range rec.AssignedCodes {
		line := &rec.AssignedCodes[i]
		bill.Items = append(bill.Items, BillItem{
			ID:          uuid.New(),
			BillID:      bill.ID,
			Code:        line.Code,
			Description: line.Notes,
			Modifier:    line.Modifier,
			Quantity:    line.Quantity,
			Amount:      line.Amount,
			LineTotal:   line.Amount * float64(line.Quantity),
			Position:    i + 1,
		})
	}
	bill.GrandTotal = ItemsTotal(bill.Items)
	return bill
}

func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.repo.GetByID(opCtx, id)
}

func (s *Service) GetBillByNumber(ctx context.Context, billNumber string) (*Bill, error) {
	if billNumber == "" {
		return nil, fmt.Errorf("%w: empty bill number", ErrNotFound)
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.repo.GetByNumber(opCtx, billNumber)
}

// GetBillForRecord looks up the bill linked to a coding record.
func (s *Service) GetBillForRecord(ctx context.Context, recordID uuid.UUID) (*Bill, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.repo.GetByCodingRecordID(opCtx, recordID)
}

func (s *Service) ListBills(ctx context.Context, filter Filter, limit, offset int) ([]*Bill, int, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.repo.List(opCtx, filter, limit, offset)
}
