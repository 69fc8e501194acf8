package integration

import (
	"context"
	"testing"

	"github.com/medkode/medkode/internal/domain/billing"
	"github.com/medkode/medkode/internal/domain/coding"
)

// TestBillingSync_Idempotent re-runs the billing handoff against postgres
// and checks the partial-unique machinery: one bill row, one bill number,
// no version churn on the replay.
func TestBillingSync_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := submittedRecord(t, env, "enc-idem")

	first, err := env.coding.SyncBilling(ctx, rec.ID, billingActor)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	second, err := env.coding.SyncBilling(ctx, rec.ID, billingActor)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if second.Status != coding.StatusClosed {
		t.Errorf("status = %q, want %q", second.Status, coding.StatusClosed)
	}
	if *first.LinkedBillRef != *second.LinkedBillRef {
		t.Errorf("bill ref changed across syncs: %q vs %q", *first.LinkedBillRef, *second.LinkedBillRef)
	}
	if second.VersionID != first.VersionID {
		t.Errorf("version bumped by idempotent sync: %d -> %d", first.VersionID, second.VersionID)
	}
	if got := countRows(t, "bills"); got != 1 {
		t.Errorf("bills rows = %d, want 1", got)
	}
}

// TestBillingSync_SweepDrainsSubmittedQueue pushes several records into
// submitted and lets the reconciliation sweep close them, paging through
// the queue with a batch smaller than the backlog.
func TestBillingSync_SweepDrainsSubmittedQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ids := []string{"enc-sweep-1", "enc-sweep-2", "enc-sweep-3"}
	for _, ref := range ids {
		submittedRecord(t, env, ref)
	}

	synced, failed, err := env.coding.RetryPendingBillSyncs(ctx, 2, billingActor)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if synced != 3 || failed != 0 {
		t.Fatalf("sweep = (%d synced, %d failed), want (3, 0)", synced, failed)
	}

	recs, total, err := env.coding.ListQueue(ctx, coding.QueueFilter{Status: coding.StatusClosed}, 10, 0)
	if err != nil {
		t.Fatalf("list closed: %v", err)
	}
	if total != 3 {
		t.Fatalf("closed records = %d, want 3", total)
	}
	refs := make(map[string]bool)
	for _, rec := range recs {
		if rec.LinkedBillRef == nil {
			t.Fatalf("record %s closed without a bill ref", rec.CodingNumber)
		}
		refs[*rec.LinkedBillRef] = true
	}
	if len(refs) != 3 {
		t.Errorf("distinct bill numbers = %d, want 3", len(refs))
	}
	if got := countRows(t, "bills"); got != 3 {
		t.Errorf("bills rows = %d, want 3", got)
	}
}

// TestBillingSync_BillMirrorsRecord checks the field mapping from the
// coding record onto the issued bill after a round trip through postgres.
func TestBillingSync_BillMirrorsRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := submittedRecord(t, env, "enc-mirror")
	rec, err := env.coding.SyncBilling(ctx, rec.ID, billingActor)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	bill, err := env.billing.GetBillByNumber(ctx, *rec.LinkedBillRef)
	if err != nil {
		t.Fatalf("get bill: %v", err)
	}
	if bill.CodingRecordID != rec.ID {
		t.Errorf("coding record id = %s, want %s", bill.CodingRecordID, rec.ID)
	}
	if bill.PatientRef != rec.PatientRef || bill.EncounterRef != rec.EncounterRef {
		t.Errorf("refs = (%q, %q), want (%q, %q)", bill.PatientRef, bill.EncounterRef, rec.PatientRef, rec.EncounterRef)
	}
	if bill.VisitType != rec.EncounterKind {
		t.Errorf("visit type = %q, want %q", bill.VisitType, rec.EncounterKind)
	}
	if bill.Status != billing.BillIssued {
		t.Errorf("status = %q, want %q", bill.Status, billing.BillIssued)
	}
	if bill.CreatedBy != billingActor.ID {
		t.Errorf("created_by = %q, want the submitting clerk %q", bill.CreatedBy, billingActor.ID)
	}
	if bill.GrandTotal != 150 {
		t.Errorf("grand total = %v, want 150", bill.GrandTotal)
	}
	if len(bill.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(bill.Items))
	}
	item := bill.Items[0]
	if item.Code != "99213" || item.Quantity != 1 || item.LineTotal != 150 {
		t.Errorf("item = %+v, want 99213 x1 totaling 150", item)
	}
}

func TestBills_ListFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	opd := submittedRecord(t, env, "enc-list-opd")
	if _, err := env.coding.SyncBilling(ctx, opd.ID, billingActor); err != nil {
		t.Fatalf("sync opd: %v", err)
	}

	// An admission encounter produces a bill with a different visit type.
	adm, err := env.coding.CreateRecord(ctx, coding.CreateRecordInput{
		PatientRef:          "pat-300",
		EncounterRef:        "enc-list-adm",
		EncounterKind:       coding.EncounterAdmission,
		FinalizingClinician: clinicianActor.ID,
	}, clinicianActor)
	if err != nil {
		t.Fatalf("create admission record: %v", err)
	}
	if _, err = env.coding.AssignCode(ctx, adm.ID, coding.LineItemInput{
		Code: "99223", Quantity: 1, Amount: 300,
	}, coderActor); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err = env.coding.Transition(ctx, adm.ID, coding.ActionSubmitForReview, coderActor, nil); err != nil {
		t.Fatalf("submit for review: %v", err)
	}
	if _, err = env.coding.Transition(ctx, adm.ID, coding.ActionApproveReview, reviewerActor, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err = env.coding.Transition(ctx, adm.ID, coding.ActionSubmitToBilling, billingActor, nil); err != nil {
		t.Fatalf("submit to billing: %v", err)
	}
	if _, err = env.coding.SyncBilling(ctx, adm.ID, billingActor); err != nil {
		t.Fatalf("sync admission: %v", err)
	}

	bills, total, err := env.billing.ListBills(ctx, billing.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 2 || len(bills) != 2 {
		t.Fatalf("all bills = (%d, %d), want 2", total, len(bills))
	}

	bills, total, err = env.billing.ListBills(ctx, billing.Filter{VisitType: coding.EncounterAdmission}, 10, 0)
	if err != nil {
		t.Fatalf("list admissions: %v", err)
	}
	if total != 1 || len(bills) != 1 {
		t.Fatalf("admission bills = (%d, %d), want 1", total, len(bills))
	}
	if bills[0].PatientRef != "pat-300" {
		t.Errorf("patient = %q, want pat-300", bills[0].PatientRef)
	}

	bills, total, err = env.billing.ListBills(ctx, billing.Filter{PatientRef: "pat-100"}, 10, 0)
	if err != nil {
		t.Fatalf("list by patient: %v", err)
	}
	if total != 1 || len(bills) != 1 {
		t.Fatalf("patient bills = (%d, %d), want 1", total, len(bills))
	}
}
