package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medkode/medkode/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Bill Repository ===========

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) Repository { return &billRepoPG{pool: pool} }

func (r *billRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *billRepoPG) withTx(ctx context.Context, fn func(q queryable) error) error {
	if tx := db.TxFromContext(ctx); tx != nil {
		return fn(tx)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapPgError(err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return mapPgError(tx.Commit(ctx))
}

const billCols = `id, bill_number, coding_record_id, coding_number, patient_ref, encounter_ref,
	visit_type, status, bill_date, grand_total, paid_amount, created_by, created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.BillNumber, &b.CodingRecordID, &b.CodingNumber, &b.PatientRef, &b.EncounterRef,
		&b.VisitType, &b.Status, &b.BillDate, &b.GrandTotal, &b.PaidAmount, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func (r *billRepoPG) Create(ctx context.Context, bill *Bill) error {
	if bill.ID == uuid.Nil {
		bill.ID = uuid.New()
	}
	return r.withTx(ctx, func(q queryable) error {
		_, err := q.Exec(ctx, `
			INSERT INTO bills (id, bill_number, coding_record_id, coding_number, patient_ref, encounter_ref,
				visit_type, status, bill_date, grand_total, paid_amount, created_by, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			bill.ID, bill.BillNumber, bill.CodingRecordID, bill.CodingNumber, bill.PatientRef, bill.EncounterRef,
			bill.VisitType, bill.Status, bill.BillDate, bill.GrandTotal, bill.PaidAmount, bill.CreatedBy, bill.CreatedAt, bill.UpdatedAt)
		if err != nil {
			return mapPgError(err)
		}
		for i := range bill.Items {
			item := &bill.Items[i]
			item.BillID = bill.ID
			item.Position = i + 1
			if _, err := q.Exec(ctx, `
				INSERT INTO bill_items (id, bill_id, code, description, modifier, quantity, amount, line_total, position)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				item.ID, item.BillID, item.Code, item.Description, item.Modifier,
				item.Quantity, item.Amount, item.LineTotal, item.Position); err != nil {
				return mapPgError(err)
			}
		}
		return nil
	})
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return r.getBy(ctx, "id", id)
}

func (r *billRepoPG) GetByNumber(ctx context.Context, billNumber string) (*Bill, error) {
	return r.getBy(ctx, "bill_number", billNumber)
}

func (r *billRepoPG) GetByCodingRecordID(ctx context.Context, recordID uuid.UUID) (*Bill, error) {
	return r.getBy(ctx, "coding_record_id", recordID)
}

func (r *billRepoPG) getBy(ctx context.Context, column string, value interface{}) (*Bill, error) {
	q := r.conn(ctx)
	bill, err := scanBill(q.QueryRow(ctx, `SELECT `+billCols+` FROM bills WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: bill with %s %v", ErrNotFound, column, value)
		}
		return nil, mapPgError(err)
	}
	if err := r.loadItems(ctx, q, bill); err != nil {
		return nil, mapPgError(err)
	}
	return bill, nil
}

func (r *billRepoPG) loadItems(ctx context.Context, q queryable, bill *Bill) error {
	rows, err := q.Query(ctx, `
		SELECT id, bill_id, code, description, modifier, quantity, amount, line_total, position
		FROM bill_items WHERE bill_id = $1 ORDER BY position`, bill.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	bill.Items = nil
	for rows.Next() {
		var item BillItem
		if err := rows.Scan(&item.ID, &item.BillID, &item.Code, &item.Description, &item.Modifier,
			&item.Quantity, &item.Amount, &item.LineTotal, &item.Position); err != nil {
			return err
		}
		bill.Items = append(bill.Items, item)
	}
	return rows.Err()
}

func (r *billRepoPG) List(ctx context.Context, filter Filter, limit, offset int) ([]*Bill, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.VisitType != "" {
		add("visit_type = $%d", filter.VisitType)
	}
	if filter.PatientRef != "" {
		add("patient_ref = $%d", filter.PatientRef)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	q := r.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM bills`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapPgError(err)
	}

	listArgs := append(args, limit, offset)
	rows, err := q.Query(ctx, `SELECT `+billCols+` FROM bills`+where+
		fmt.Sprintf(` ORDER BY bill_date DESC, created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2), listArgs...)
	if err != nil {
		return nil, 0, mapPgError(err)
	}
	defer rows.Close()
	var items []*Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, 0, mapPgError(err)
		}
		items = append(items, bill)
	}
	return items, total, rows.Err()
}

// =========== Number Allocator ===========

const maxDailySequence = 99999

type allocatorPG struct{ pool *pgxpool.Pool }

func NewAllocatorPG(pool *pgxpool.Pool) NumberAllocator { return &allocatorPG{pool: pool} }

func (a *allocatorPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return a.pool
}

// Next increments the day's counter and reads the new value in a single
// statement, matching the coding-number allocator.
func (a *allocatorPG) Next(ctx context.Context, day time.Time) (string, error) {
	var value int
	err := a.conn(ctx).QueryRow(ctx, `
		INSERT INTO bill_sequences (day, value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET value = bill_sequences.value + 1
		RETURNING value`, day.UTC().Format("2006-01-02")).Scan(&value)
	if err != nil {
		return "", mapPgError(err)
	}
	if value > maxDailySequence {
		return "", fmt.Errorf("%w: day %s used all %d sequences", ErrAllocationExhausted, day.UTC().Format("20060102"), maxDailySequence)
	}
	return FormatBillNumber(day, value), nil
}

// mapPgError translates driver failures into the package's error kinds.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "coding_record") {
			return fmt.Errorf("%w (%s)", ErrDuplicateBill, pgErr.ConstraintName)
		}
		if strings.Contains(pgErr.ConstraintName, "bill_number") {
			return fmt.Errorf("%w (%s)", ErrDuplicateNumber, pgErr.ConstraintName)
		}
	}
	return err
}
