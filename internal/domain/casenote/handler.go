package casenote

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/casenote/internal/platform/apperr"
	"github.com/ehr/casenote/internal/platform/auth"
	"github.com/ehr/casenote/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the workflow endpoints. Route gates only check the
// broad role; capability, custodian and requester checks happen in the
// service.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleCA, auth.RoleMRStaff))
	read.GET("/requests", h.SearchRequests)
	read.GET("/requests/:id", h.GetRequest)
	read.GET("/batches/:id", h.GetBatch)
	read.GET("/handovers", h.ListHandovers)
	read.GET("/handovers/:id", h.GetHandover)

	ca := api.Group("", auth.RequireRole(auth.RoleCA))
	ca.POST("/requests", h.CreateRequest)
	ca.DELETE("/requests/:id", h.DeleteRequest)
	ca.POST("/requests/:id/receive", h.Receive)
	ca.POST("/requests/:id/reject-not-received", h.RejectNotReceived)
	ca.POST("/requests/:id/return", h.Return)
	ca.POST("/batches", h.CreateBatch)
	ca.POST("/batches/:id/verify-receipt", h.VerifyBatchReceipt)
	ca.POST("/batches/:id/verify-items", h.VerifyBatchItems)
	ca.POST("/case-notes/:id/handover", h.RequestHandover)
	ca.POST("/handovers/:id/acknowledge", h.AcknowledgeHandover)
	ca.POST("/handovers/:id/respond", h.RespondToHandover)
	ca.POST("/handovers/:id/verify", h.VerifyHandover)

	mr := api.Group("", auth.RequireRole(auth.RoleMRStaff))
	mr.POST("/requests/:id/approve", h.Approve)
	mr.POST("/requests/:id/reject", h.Reject)
	mr.POST("/returned-case-notes/verify", h.VerifyReturns)
	mr.POST("/batches/:id/process", h.ProcessBatch)
	mr.POST("/batches/:id/process-items", h.ProcessBatchItems)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/handovers/sweep", h.Sweep)
}

// -- helpers --

func actorOf(c echo.Context) (uuid.UUID, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated actor")
	}
	return actor, nil
}

func idParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// filterPath is the request path with its filters but without paging.
func filterPath(c echo.Context) string {
	q := url.Values{}
	for k, v := range c.QueryParams() {
		if k != "limit" && k != "offset" {
			q[k] = v
		}
	}
	if enc := q.Encode(); enc != "" {
		return c.Request().URL.Path + "?" + enc
	}
	return c.Request().URL.Path
}

// transitionError maps a failed guard to 400, the status transition
// endpoints use.
func transitionError(err error) error {
	return apperr.ToHTTP(err, apperr.TransitionHTTPStatus(err))
}

func readError(err error) error {
	return apperr.ToHTTP(err, apperr.HTTPStatus(err))
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type decisionRequest struct {
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

// approve reads action: approve|reject (or verify|reject for verification
// endpoints).
func (d decisionRequest) approve(yes string) (bool, error) {
	switch d.Action {
	case yes:
		return true, nil
	case "reject":
		return false, nil
	}
	return false, echo.NewHTTPError(http.StatusUnprocessableEntity, "action must be "+yes+" or reject")
}

// -- Requests --

func (h *Handler) CreateRequest(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cn, err := h.svc.Create(c.Request().Context(), actor, req)
	if err != nil {
		return readError(err)
	}
	return c.JSON(http.StatusCreated, cn)
}

func (h *Handler) GetRequest(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	cn, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return readError(err)
	}
	return c.JSON(http.StatusOK, cn)
}

func (h *Handler) SearchRequests(c echo.Context) error {
	var f CaseNoteFilter
	var err error
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return err
	}
	if f.CustodianID, err = optionalUUID(c, "custodian_id"); err != nil {
		return err
	}
	if f.RequestedBy, err = optionalUUID(c, "requested_by"); err != nil {
		return err
	}
	if f.BatchID, err = optionalUUID(c, "batch_id"); err != nil {
		return err
	}
	if v := c.QueryParam("status"); v != "" {
		st := Status(v)
		f.Status = &st
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return readError(err)
	}
	if items == nil {
		items = []*CaseNote{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(filterPath(c), pg))
}

func (h *Handler) DeleteRequest(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), actor, id); err != nil {
		return transitionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Approve(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req notesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cn, err := h.svc.Approve(c.Request().Context(), actor, id, req.Notes)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, cn)
}

func (h *Handler) Reject(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req notesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cn, err := h.svc.Reject(c.Request().Context(), actor, id, req.Notes)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, cn)
}

func (h *Handler) Receive(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	cn, err := h.svc.MarkReceived(c.Request().Context(), actor, id)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, cn)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RejectNotReceived(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cn, err := h.svc.RejectNotReceived(c.Request().Context(), actor, id, req.Reason)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, cn)
}

func (h *Handler) Return(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req notesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cn, err := h.svc.Return(c.Request().Context(), actor, id, req.Notes)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, cn)
}

type verifyReturnsRequest struct {
	Action string      `json:"action"`
	IDs    []uuid.UUID `json:"ids"`
	Reason string      `json:"reason"`
}

func (h *Handler) VerifyReturns(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req verifyReturnsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	accept, err := decisionRequest{Action: req.Action}.approve("verify")
	if err != nil {
		return err
	}
	out, err := h.svc.VerifyReturns(c.Request().Context(), actor, req.IDs, accept, req.Reason)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Batches --

func (h *Handler) CreateBatch(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req BatchInput
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.CreateBatch(c.Request().Context(), actor, req)
	if err != nil {
		return readError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBatch(c.Request().Context(), id)
	if err != nil {
		return readError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ProcessBatch(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	approve, err := req.approve("approve")
	if err != nil {
		return err
	}
	b, err := h.svc.ProcessBatch(c.Request().Context(), actor, id, approve, req.Notes)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type processItemsRequest struct {
	Approve []uuid.UUID `json:"approve"`
	Reject  []uuid.UUID `json:"reject"`
	Notes   string      `json:"notes"`
}

func (h *Handler) ProcessBatchItems(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req processItemsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.ProcessBatchItems(c.Request().Context(), actor, id, req.Approve, req.Reject, req.Notes)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type verifyReceiptRequest struct {
	ReceivedCount int    `json:"received_count"`
	Notes         string `json:"notes"`
}

func (h *Handler) VerifyBatchReceipt(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req verifyReceiptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.VerifyBatchReceipt(c.Request().Context(), actor, id, req.ReceivedCount, req.Notes)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type verifyItemsRequest struct {
	Items []uuid.UUID `json:"items"`
	Notes string      `json:"notes"`
}

func (h *Handler) VerifyBatchItems(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req verifyItemsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.VerifyIndividualReceipt(c.Request().Context(), actor, id, req.Items, req.Notes)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- Handovers --

func (h *Handler) RequestHandover(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req HandoverInput
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ho, err := h.svc.RequestHandover(c.Request().Context(), actor, id, req)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusCreated, ho)
}

func (h *Handler) AcknowledgeHandover(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	ho, err := h.svc.AcknowledgeHandover(c.Request().Context(), actor, id)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, ho)
}

func (h *Handler) RespondToHandover(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	approve, err := req.approve("approve")
	if err != nil {
		return err
	}
	ho, err := h.svc.RespondToHandover(c.Request().Context(), actor, id, approve, req.Notes)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, ho)
}

func (h *Handler) VerifyHandover(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	accept, err := req.approve("verify")
	if err != nil {
		return err
	}
	ho, err := h.svc.VerifyHandoverReceipt(c.Request().Context(), actor, id, accept, req.Notes)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, ho)
}

func (h *Handler) GetHandover(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	ho, err := h.svc.GetHandover(c.Request().Context(), id)
	if err != nil {
		return readError(err)
	}
	return c.JSON(http.StatusOK, ho)
}

func (h *Handler) ListHandovers(c echo.Context) error {
	caseNoteID, err := optionalUUID(c, "case_note_id")
	if err != nil {
		return err
	}
	if caseNoteID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "case_note_id is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListHandovers(c.Request().Context(), *caseNoteID, pg.Limit, pg.Offset)
	if err != nil {
		return readError(err)
	}
	if items == nil {
		items = []*Handover{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Sweep(c echo.Context) error {
	res, err := h.svc.SweepHandovers(c.Request().Context())
	if err != nil {
		return readError(err)
	}
	return c.JSON(http.StatusOK, res)
}
