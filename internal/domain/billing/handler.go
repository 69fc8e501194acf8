package billing

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medkode/medkode/internal/platform/auth"
	"github.com/medkode/medkode/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	bills := api.Group("/bills", auth.RequireRole("admin", "billing"))
	bills.GET("", h.ListBills)
	bills.GET("/:id", h.GetBill)
	bills.GET("/number/:number", h.GetBillByNumber)
	bills.GET("/record/:recordId", h.GetBillForRecord)
}

// httpError maps the package's error kinds onto HTTP statuses.
func httpError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateBill), errors.Is(err, ErrDuplicateNumber):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrAllocationExhausted):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) ListBills(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := Filter{
		Status:     c.QueryParam("status"),
		VisitType:  c.QueryParam("visit_type"),
		PatientRef: c.QueryParam("patient_ref"),
	}
	items, total, err := h.svc.ListBills(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	bill, err := h.svc.GetBill(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bill)
}

func (h *Handler) GetBillByNumber(c echo.Context) error {
	bill, err := h.svc.GetBillByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bill)
}

func (h *Handler) GetBillForRecord(c echo.Context) error {
	recordID, err := uuid.Parse(c.Param("recordId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	bill, err := h.svc.GetBillForRecord(c.Request().Context(), recordID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bill)
}
