package coding

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medkode/medkode/internal/platform/auth"
	"github.com/medkode/medkode/internal/platform/middleware"
	"github.com/medkode/medkode/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – any authenticated user
	api.GET("/coding-records", h.ListRecords)
	api.GET("/coding-records/:id", h.GetRecord)
	api.GET("/coding-records/number/:number", h.GetRecordByNumber)
	api.GET("/coding-records/:id/audit", h.GetAuditTrail)

	// Coding endpoints – coder (creation also by the finalizing clinician)
	createGroup := api.Group("", auth.RequireRole("admin", "coder", "clinician"))
	createGroup.POST("/coding-records", h.CreateRecord)

	coderGroup := api.Group("", auth.RequireRole("admin", "coder"))
	coderGroup.POST("/coding-records/:id/codes", h.AssignCode)
	coderGroup.DELETE("/coding-records/:id/codes/:lineId", h.RemoveCode)
	coderGroup.POST("/coding-records/:id/diagnoses", h.AddDiagnosis)
	coderGroup.PUT("/coding-records/:id/diagnoses/primary", h.SetPrimaryDiagnosis)
	coderGroup.POST("/coding-records/:id/queries", h.RaiseQuery)
	coderGroup.PUT("/coding-records/:id/queries/:queryId/close", h.CloseQuery)

	// Query answers – the finalizing clinician
	clinicianGroup := api.Group("", auth.RequireRole("admin", "clinician"))
	clinicianGroup.PUT("/coding-records/:id/queries/:queryId/answer", h.AnswerQuery)

	// Workflow transitions – role depends on the action; the middleware
	// admits workflow roles, the state machine decides per action
	workflowGroup := api.Group("", auth.RequireRole("admin", "coder", "reviewer", "billing"))
	workflowGroup.POST("/coding-records/:id/transition", h.Transition)

	// Billing sync – billing clerks
	billingGroup := api.Group("", auth.RequireRole("admin", "billing"))
	billingGroup.POST("/coding-records/:id/sync-bill", h.SyncBilling)
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{
		ID:   auth.UserIDFromContext(ctx),
		Name: auth.UserNameFromContext(ctx),
		Role: auth.RoleFromContext(ctx),
	}
}

// httpError maps the engine's error kinds onto HTTP statuses. Every
// response carries the human-readable reason.
func httpError(err error) error {
	switch {
	case err == nil:
		return nil
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRoleNotAllowed):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrDuplicateEncounter),
		errors.Is(err, ErrDuplicateNumber),
		errors.Is(err, ErrAlreadyAnswered),
		errors.Is(err, ErrConcurrentModification):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrAllocationExhausted):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrBillingUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) CreateRecord(c echo.Context) error {
	var in CreateRecordInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.CreateRecord(c.Request().Context(), in, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetRecordByNumber(c echo.Context) error {
	rec, err := h.svc.GetRecordByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := QueueFilter{
		Status:        c.QueryParam("status"),
		Coder:         c.QueryParam("coder"),
		EncounterKind: c.QueryParam("encounter_kind"),
		PatientRef:    c.QueryParam("patient_ref"),
	}
	items, total, err := h.svc.ListQueue(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAuditTrail(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	trail, err := h.svc.GetAuditTrail(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, trail)
}

func (h *Handler) AssignCode(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in LineItemInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.AssignCode(c.Request().Context(), id, in, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) RemoveCode(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	lineID, err := uuid.Parse(c.Param("lineId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid line id")
	}
	rec, err := h.svc.RemoveCode(c.Request().Context(), id, lineID, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) AddDiagnosis(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in DiagnosisInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.AddDiagnosis(c.Request().Context(), id, in, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) SetPrimaryDiagnosis(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.SetPrimaryDiagnosis(c.Request().Context(), id, in.Code, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) RaiseQuery(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.RaiseQuery(c.Request().Context(), id, middleware.SanitizeString(in.Text), actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) AnswerQuery(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	queryID, err := uuid.Parse(c.Param("queryId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query id")
	}
	var in struct {
		Response string `json:"response"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.AnswerQuery(c.Request().Context(), id, queryID, middleware.SanitizeString(in.Response), actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) CloseQuery(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	queryID, err := uuid.Parse(c.Param("queryId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query id")
	}
	rec, err := h.svc.CloseQuery(c.Request().Context(), id, queryID, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in struct {
		Action  string                 `json:"action"`
		Details map[string]interface{} `json:"details"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if reason, ok := in.Details["reason"].(string); ok {
		in.Details["reason"] = middleware.SanitizeString(reason)
	}
	rec, err := h.svc.Transition(c.Request().Context(), id, Action(in.Action), actorFrom(c), in.Details)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) SyncBilling(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.SyncBilling(c.Request().Context(), id, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
