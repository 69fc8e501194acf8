package coding

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

// =========== Coding Record Repository ===========

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) Repository { return &recordRepoPG{pool: pool} }

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// withTx joins a transaction already carried by the context or opens its
// own. Aggregate writes always run inside one.
func (r *recordRepoPG) withTx(ctx context.Context, fn func(q queryable) error) error {
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

const recordCols = `id, coding_number, patient_ref, encounter_ref, encounter_kind,
	finalizing_clinician, status, current_return_reason, linked_bill_ref, bill_synced_at,
	coded_by, coded_at, reviewed_by, reviewed_at, submitted_by, submitted_at,
	approved_by, approved_at, created_by, version_id, created_at, updated_at`

func scanRecord(row pgx.Row) (*CodingRecord, error) {
	var rec CodingRecord
	err := row.Scan(&rec.ID, &rec.CodingNumber, &rec.PatientRef, &rec.EncounterRef, &rec.EncounterKind,
		&rec.FinalizingClinician, &rec.Status, &rec.CurrentReturnReason, &rec.LinkedBillRef, &rec.BillSyncedAt,
		&rec.CodedBy, &rec.CodedAt, &rec.ReviewedBy, &rec.ReviewedAt, &rec.SubmittedBy, &rec.SubmittedAt,
		&rec.ApprovedBy, &rec.ApprovedAt, &rec.CreatedBy, &rec.VersionID, &rec.CreatedAt, &rec.UpdatedAt)
	return &rec, err
}

func (r *recordRepoPG) Create(ctx context.Context, rec *CodingRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return r.withTx(ctx, func(q queryable) error {
		_, err := q.Exec(ctx, `
			INSERT INTO coding_records (id, coding_number, patient_ref, encounter_ref, encounter_kind,
				finalizing_clinician, status, current_return_reason, linked_bill_ref, bill_synced_at,
				coded_by, coded_at, reviewed_by, reviewed_at, submitted_by, submitted_at,
				approved_by, approved_at, created_by, version_id, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
			rec.ID, rec.CodingNumber, rec.PatientRef, rec.EncounterRef, rec.EncounterKind,
			rec.FinalizingClinician, rec.Status, rec.CurrentReturnReason, rec.LinkedBillRef, rec.BillSyncedAt,
			rec.CodedBy, rec.CodedAt, rec.ReviewedBy, rec.ReviewedAt, rec.SubmittedBy, rec.SubmittedAt,
			rec.ApprovedBy, rec.ApprovedAt, rec.CreatedBy, rec.VersionID, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return mapPgError(err)
		}
		return r.insertChildren(ctx, q, rec, 0)
	})
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CodingRecord, error) {
	return r.getBy(ctx, "id", id)
}

func (r *recordRepoPG) GetByNumber(ctx context.Context, codingNumber string) (*CodingRecord, error) {
	return r.getBy(ctx, "coding_number", codingNumber)
}

func (r *recordRepoPG) getBy(ctx context.Context, column string, value interface{}) (*CodingRecord, error) {
	q := r.conn(ctx)
	rec, err := scanRecord(q.QueryRow(ctx, `SELECT `+recordCols+` FROM coding_records WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: coding record with %s %v", ErrNotFound, column, value)
		}
		return nil, mapPgError(err)
	}
	if err := r.loadChildren(ctx, q, rec); err != nil {
		return nil, mapPgError(err)
	}
	rec.RecomputeTotal()
	return rec, nil
}

// Update loads the aggregate under a NOWAIT row lock, applies the mutator,
// and persists parent, children, and the new audit tail in one
// transaction. A contended lock or a stale version surfaces as
// ErrConcurrentModification for the service-level retry loop.
func (r *recordRepoPG) Update(ctx context.Context, id uuid.UUID, mutate func(*CodingRecord) error) (*CodingRecord, error) {
	var out *CodingRecord
	err := r.withTx(ctx, func(q queryable) error {
		rec, err := scanRecord(q.QueryRow(ctx, `SELECT `+recordCols+` FROM coding_records WHERE id = $1 FOR UPDATE NOWAIT`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: coding record %s", ErrNotFound, id)
			}
			return mapPgError(err)
		}
		if err := r.loadChildren(ctx, q, rec); err != nil {
			return mapPgError(err)
		}
		rec.RecomputeTotal()
		expectedVersion := rec.VersionID
		auditBefore := len(rec.AuditTrail)
		if err := mutate(rec); err != nil {
			return err
		}
		rec.VersionID = expectedVersion + 1
		rec.UpdatedAt = time.Now().UTC()
		if err := r.persist(ctx, q, rec, expectedVersion, auditBefore); err != nil {
			return err
		}
		rec.RecomputeTotal()
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *recordRepoPG) persist(ctx context.Context, q queryable, rec *CodingRecord, expectedVersion, auditBefore int) error {
	tag, err := q.Exec(ctx, `
		UPDATE coding_records SET status=$3, current_return_reason=$4, linked_bill_ref=$5, bill_synced_at=$6,
			coded_by=$7, coded_at=$8, reviewed_by=$9, reviewed_at=$10,
			submitted_by=$11, submitted_at=$12, approved_by=$13, approved_at=$14,
			version_id=$15, updated_at=$16
		WHERE id = $1 AND version_id = $2`,
		rec.ID, expectedVersion, rec.Status, rec.CurrentReturnReason, rec.LinkedBillRef, rec.BillSyncedAt,
		rec.CodedBy, rec.CodedAt, rec.ReviewedBy, rec.ReviewedAt,
		rec.SubmittedBy, rec.SubmittedAt, rec.ApprovedBy, rec.ApprovedAt,
		rec.VersionID, rec.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: coding record %s version %d", ErrConcurrentModification, rec.ID, expectedVersion)
	}
	for _, table := range []string{"coding_assigned_codes", "coding_diagnoses", "coding_queries", "coding_returns"} {
		if _, err := q.Exec(ctx, `DELETE FROM `+table+` WHERE record_id = $1`, rec.ID); err != nil {
			return mapPgError(err)
		}
	}
	return r.insertChildren(ctx, q, rec, auditBefore)
}

// insertChildren writes the owned collections. Audit entries are
// append-only: only the tail beyond auditBefore is inserted.
func (r *recordRepoPG) insertChildren(ctx context.Context, q queryable, rec *CodingRecord, auditBefore int) error {
	for i := range rec.AssignedCodes {
		a := &rec.AssignedCodes[i]
		a.RecordID = rec.ID
		a.Position = i + 1
		if _, err := q.Exec(ctx, `
			INSERT INTO coding_assigned_codes (id, record_id, code, quantity, modifier, modifier2,
				diagnosis_pointer, units, amount, notes, added_by, added_at, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			a.ID, a.RecordID, a.Code, a.Quantity, a.Modifier, a.Modifier2,
			a.DiagnosisPointer, a.Units, a.Amount, a.Notes, a.AddedBy, a.AddedAt, a.Position); err != nil {
			return mapPgError(err)
		}
	}
	for i := range rec.DiagnosisCodes {
		d := &rec.DiagnosisCodes[i]
		d.RecordID = rec.ID
		if _, err := q.Exec(ctx, `
			INSERT INTO coding_diagnoses (id, record_id, code, description, is_primary, sequence)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			d.ID, d.RecordID, d.Code, d.Description, d.IsPrimary, d.Sequence); err != nil {
			return mapPgError(err)
		}
	}
	for i := range rec.Queries {
		cq := &rec.Queries[i]
		cq.RecordID = rec.ID
		cq.Position = i + 1
		if _, err := q.Exec(ctx, `
			INSERT INTO coding_queries (id, record_id, text, raised_by, raised_at,
				response, responded_by, responded_at, status, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			cq.ID, cq.RecordID, cq.Text, cq.RaisedBy, cq.RaisedAt,
			cq.Response, cq.RespondedBy, cq.RespondedAt, cq.Status, cq.Position); err != nil {
			return mapPgError(err)
		}
	}
	for i := range rec.ReturnHistory {
		re := &rec.ReturnHistory[i]
		re.RecordID = rec.ID
		re.Position = i + 1
		if _, err := q.Exec(ctx, `
			INSERT INTO coding_returns (id, record_id, returned_by, returned_at, reason, resolved_at, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			re.ID, re.RecordID, re.ReturnedBy, re.ReturnedAt, re.Reason, re.ResolvedAt, re.Position); err != nil {
			return mapPgError(err)
		}
	}
	for i := auditBefore; i < len(rec.AuditTrail); i++ {
		e := &rec.AuditTrail[i]
		e.RecordID = rec.ID
		if _, err := q.Exec(ctx, `
			INSERT INTO coding_audit_entries (id, record_id, seq, action, performed_by, performed_at,
				previous_status, new_status, details)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			e.ID, e.RecordID, e.Seq, e.Action, e.PerformedBy, e.PerformedAt,
			e.PreviousStatus, e.NewStatus, e.Details); err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

func (r *recordRepoPG) loadChildren(ctx context.Context, q queryable, rec *CodingRecord) error {
	rows, err := q.Query(ctx, `
		SELECT id, record_id, code, quantity, modifier, modifier2, diagnosis_pointer,
			units, amount, notes, added_by, added_at, position
		FROM coding_assigned_codes WHERE record_id = $1 ORDER BY position`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	rec.AssignedCodes = nil
	for rows.Next() {
		var a AssignedCode
		if err := rows.Scan(&a.ID, &a.RecordID, &a.Code, &a.Quantity, &a.Modifier, &a.Modifier2, &a.DiagnosisPointer,
			&a.Units, &a.Amount, &a.Notes, &a.AddedBy, &a.AddedAt, &a.Position); err != nil {
			return err
		}
		rec.AssignedCodes = append(rec.AssignedCodes, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, `
		SELECT id, record_id, code, description, is_primary, sequence
		FROM coding_diagnoses WHERE record_id = $1 ORDER BY sequence`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	rec.DiagnosisCodes = nil
	for rows.Next() {
		var d DiagnosisCode
		if err := rows.Scan(&d.ID, &d.RecordID, &d.Code, &d.Description, &d.IsPrimary, &d.Sequence); err != nil {
			return err
		}
		rec.DiagnosisCodes = append(rec.DiagnosisCodes, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, `
		SELECT id, record_id, text, raised_by, raised_at, response, responded_by, responded_at, status, position
		FROM coding_queries WHERE record_id = $1 ORDER BY position`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	rec.Queries = nil
	for rows.Next() {
		var cq CoderQuery
		if err := rows.Scan(&cq.ID, &cq.RecordID, &cq.Text, &cq.RaisedBy, &cq.RaisedAt,
			&cq.Response, &cq.RespondedBy, &cq.RespondedAt, &cq.Status, &cq.Position); err != nil {
			return err
		}
		rec.Queries = append(rec.Queries, cq)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, `
		SELECT id, record_id, returned_by, returned_at, reason, resolved_at, position
		FROM coding_returns WHERE record_id = $1 ORDER BY position`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	rec.ReturnHistory = nil
	for rows.Next() {
		var re ReturnEntry
		if err := rows.Scan(&re.ID, &re.RecordID, &re.ReturnedBy, &re.ReturnedAt, &re.Reason, &re.ResolvedAt, &re.Position); err != nil {
			return err
		}
		rec.ReturnHistory = append(rec.ReturnHistory, re)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, `
		SELECT id, record_id, seq, action, performed_by, performed_at, previous_status, new_status, details
		FROM coding_audit_entries WHERE record_id = $1 ORDER BY seq`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	rec.AuditTrail = nil
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.RecordID, &e.Seq, &e.Action, &e.PerformedBy, &e.PerformedAt,
			&e.PreviousStatus, &e.NewStatus, &e.Details); err != nil {
			return err
		}
		rec.AuditTrail = append(rec.AuditTrail, e)
	}
	return rows.Err()
}

func (r *recordRepoPG) List(ctx context.Context, filter QueueFilter, limit, offset int) ([]*CodingRecord, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Coder != "" {
		add("coded_by = $%d", filter.Coder)
	}
	if filter.EncounterKind != "" {
		add("encounter_kind = $%d", filter.EncounterKind)
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
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM coding_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapPgError(err)
	}

	listArgs := append(args, limit, offset)
	rows, err := q.Query(ctx, `SELECT `+recordCols+` FROM coding_records`+where+
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2), listArgs...)
	if err != nil {
		return nil, 0, mapPgError(err)
	}
	defer rows.Close()
	var items []*CodingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, mapPgError(err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapPgError(err)
	}
	if err := r.fillTotals(ctx, q, items); err != nil {
		return nil, 0, mapPgError(err)
	}
	return items, total, nil
}

// fillTotals derives the billable total for queue views in one aggregate
// query instead of loading every child collection.
func (r *recordRepoPG) fillTotals(ctx context.Context, q queryable, items []*CodingRecord) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(items))
	byID := make(map[uuid.UUID]*CodingRecord, len(items))
	for i, rec := range items {
		ids[i] = rec.ID
		byID[rec.ID] = rec
	}
	rows, err := q.Query(ctx, `
		SELECT record_id, COALESCE(SUM(amount * quantity), 0)
		FROM coding_assigned_codes WHERE record_id = ANY($1) GROUP BY record_id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var total float64
		if err := rows.Scan(&id, &total); err != nil {
			return err
		}
		if rec := byID[id]; rec != nil {
			rec.TotalAmount = total
		}
	}
	return rows.Err()
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
// statement, so two concurrent allocations can never observe the same
// sequence.
func (a *allocatorPG) Next(ctx context.Context, day time.Time) (string, error) {
	var value int
	err := a.conn(ctx).QueryRow(ctx, `
		INSERT INTO coding_sequences (day, value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET value = coding_sequences.value + 1
		RETURNING value`, day.UTC().Format("2006-01-02")).Scan(&value)
	if err != nil {
		return "", mapPgError(err)
	}
	if value > maxDailySequence {
		return "", fmt.Errorf("%w: day %s used all %d sequences", ErrAllocationExhausted, day.UTC().Format("20060102"), maxDailySequence)
	}
	return FormatCodingNumber(day, value), nil
}

// mapPgError translates driver failures into the engine's error kinds.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if strings.Contains(pgErr.ConstraintName, "encounter") {
				return fmt.Errorf("%w (%s)", ErrDuplicateEncounter, pgErr.ConstraintName)
			}
			if strings.Contains(pgErr.ConstraintName, "coding_number") {
				return fmt.Errorf("%w (%s)", ErrDuplicateNumber, pgErr.ConstraintName)
			}
		case "55P03", "40001":
			return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}
