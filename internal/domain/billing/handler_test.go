package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newHandlerEnv(t *testing.T) (*Handler, *Service) {
	t.Helper()
	svc, _, _ := newBillTestService()
	return NewHandler(svc), svc
}

func billContext(target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestHandler_GetBill(t *testing.T) {
	h, svc := newHandlerEnv(t)
	ref, err := svc.SyncToBilling(context.Background(), submittedCodingRecord())
	if err != nil {
		t.Fatalf("SyncToBilling: %v", err)
	}
	bill, err := svc.GetBillByNumber(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetBillByNumber: %v", err)
	}

	c, rec := billContext("/api/v1/bills/" + bill.ID.String())
	c.SetParamNames("id")
	c.SetParamValues(bill.ID.String())
	if err := h.GetBill(c); err != nil {
		t.Fatalf("GetBill: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Bill
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.BillNumber != ref {
		t.Errorf("expected bill number %q, got %q", ref, got.BillNumber)
	}
	if len(got.Items) != 2 {
		t.Errorf("expected items in the response, got %d", len(got.Items))
	}
}

func TestHandler_GetBill_InvalidID(t *testing.T) {
	h, _ := newHandlerEnv(t)
	c, _ := billContext("/api/v1/bills/not-a-uuid")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if got := httpStatus(t, h.GetBill(c)); got != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", got)
	}
}

func TestHandler_GetBill_NotFound(t *testing.T) {
	h, _ := newHandlerEnv(t)
	id := uuid.New().String()
	c, _ := billContext("/api/v1/bills/" + id)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if got := httpStatus(t, h.GetBill(c)); got != http.StatusNotFound {
		t.Errorf("expected 404, got %d", got)
	}
}

func TestHandler_GetBillByNumber_NotFound(t *testing.T) {
	h, _ := newHandlerEnv(t)
	c, _ := billContext("/api/v1/bills/number/BILL0000000000000")
	c.SetParamNames("number")
	c.SetParamValues("BILL0000000000000")
	if got := httpStatus(t, h.GetBillByNumber(c)); got != http.StatusNotFound {
		t.Errorf("expected 404, got %d", got)
	}
}

func TestHandler_GetBillForRecord(t *testing.T) {
	h, svc := newHandlerEnv(t)
	codingRec := submittedCodingRecord()
	if _, err := svc.SyncToBilling(context.Background(), codingRec); err != nil {
		t.Fatalf("SyncToBilling: %v", err)
	}

	c, rec := billContext("/api/v1/bills/record/" + codingRec.ID.String())
	c.SetParamNames("recordId")
	c.SetParamValues(codingRec.ID.String())
	if err := h.GetBillForRecord(c); err != nil {
		t.Fatalf("GetBillForRecord: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Bill
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.CodingRecordID != codingRec.ID {
		t.Errorf("expected bill for record %s, got %s", codingRec.ID, got.CodingRecordID)
	}
}

func TestHandler_ListBills(t *testing.T) {
	h, svc := newHandlerEnv(t)
	ctx := context.Background()
	if _, err := svc.SyncToBilling(ctx, submittedCodingRecord()); err != nil {
		t.Fatalf("SyncToBilling: %v", err)
	}
	adm := submittedCodingRecord()
	adm.EncounterRef = "enc-200"
	adm.EncounterKind = "admission"
	if _, err := svc.SyncToBilling(ctx, adm); err != nil {
		t.Fatalf("SyncToBilling: %v", err)
	}

	c, rec := billContext("/api/v1/bills?visit_type=admission&limit=10")
	if err := h.ListBills(c); err != nil {
		t.Fatalf("ListBills: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data    []Bill `json:"data"`
		Total   int    `json:"total"`
		Limit   int    `json:"limit"`
		HasMore bool   `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Total != 1 || len(body.Data) != 1 {
		t.Fatalf("expected 1 admission bill, got total %d items %d", body.Total, len(body.Data))
	}
	if body.Data[0].VisitType != "admission" {
		t.Errorf("expected admission bill, got %q", body.Data[0].VisitType)
	}
	if body.HasMore {
		t.Error("expected has_more false")
	}
}
