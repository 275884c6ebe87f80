package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/pagu_backend/config"
	"bitbucket.org/mmdatafocus/pagu_backend/middlewares"
	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"bitbucket.org/mmdatafocus/pagu_backend/utils"
	"bitbucket.org/mmdatafocus/pagu_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type api struct {
	services func() *workflow.Services
	logger   *logrus.Logger
}

func (h *api) svc() *workflow.Services {
	return h.services()
}

func (h *api) store() models.Store {
	if svc := h.services(); svc != nil {
		return svc.Store
	}
	return nil
}

// accountsOf batch-loads the accounts referenced by the requests' line items.
func accountsOf(ctx context.Context, reqs ...*models.Request) (map[int]*models.Account, error) {
	loaders := middlewares.For(ctx)
	if loaders == nil {
		return nil, nil
	}
	seen := make(map[int]bool)
	var ids []int
	for _, r := range reqs {
		for _, id := range r.AccountIds() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return map[int]*models.Account{}, nil
	}
	accounts, errs := loaders.AccountLoader.LoadMany(ctx, ids)()
	out := make(map[int]*models.Account, len(ids))
	for i, id := range ids {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		out[id] = accounts[i]
	}
	return out, nil
}

// registerRoutes mounts the JSON API. services is read per call because the core
// is wired only after the listener is up.
func registerRoutes(r gin.IRouter, services func() *workflow.Services, limiter *RateLimiter, logger *logrus.Logger) {
	h := &api{services: services, logger: logger}
	g := r.Group("/api/v1", middlewares.AuthMiddleware(), middlewares.LoaderMiddleware(h.store))
	if limiter != nil {
		g.Use(limiter.RateLimitMiddleware)
	}

	g.POST("/accounts", h.createAccount)
	g.GET("/accounts", h.listAccounts)
	g.GET("/accounts/:id", h.getAccount)
	g.GET("/accounts/:id/realizations", h.listRealizations)
	g.POST("/accounts/:id/corrections", h.applyCorrection)
	g.GET("/accounts/:id/reconcile", h.reconcileAccount)

	g.POST("/requests", h.createRequest)
	g.GET("/requests", h.listRequests)
	g.GET("/requests/:id", h.getRequest)
	g.POST("/requests/:id/line-items", h.addLineItem)
	g.DELETE("/requests/:id/line-items/:lineItemId", h.removeLineItem)
	g.POST("/requests/:id/documents", h.attachDocument)
	g.GET("/requests/:id/documents", h.listDocuments)
	g.POST("/requests/:id/events/:event", h.transition)
	g.POST("/requests/:id/disbursements", h.createDisbursement)
	g.GET("/requests/:id/disbursements", h.listDisbursements)
	g.GET("/disbursements/:id", h.getDisbursement)

	g.PUT("/roles/:name", h.saveRole)
}

func actorOf(c *gin.Context) (models.Actor, bool) {
	actor, ok := middlewares.ActorFromContext(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return actor, ok
}

func intParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func fiscalYearQuery(c *gin.Context) (int, bool) {
	fy, err := strconv.Atoi(c.Query("fiscal_year"))
	if err != nil || fy <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fiscal_year is required"})
		return 0, false
	}
	return fy, true
}

func bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
		return false
	}
	return true
}

// statusOf maps core errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrTransientConflict), errors.Is(err, models.ErrConcurrentModification):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrInvalidRequestState),
		errors.Is(err, models.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientBudget),
		errors.Is(err, models.ErrBudgetExceeded),
		errors.Is(err, models.ErrDistributionMismatch),
		errors.Is(err, models.ErrExceedsRequestTotal),
		errors.Is(err, models.ErrIncompleteAttachments),
		errors.Is(err, models.ErrEmptyRequest),
		errors.Is(err, models.ErrFiscalYearMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrReasonRequired),
		errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *api) fail(c *gin.Context, funcName string, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error()}

	var insufficient *models.InsufficientBudgetError
	var exceeded *models.BudgetExceededError
	switch {
	case errors.As(err, &insufficient):
		body["account_id"] = insufficient.AccountId
		body["requested"] = insufficient.Requested
		body["available"] = insufficient.Available
	case errors.As(err, &exceeded):
		body["line_item_id"] = exceeded.LineItemId
		body["account_id"] = exceeded.AccountId
		body["requested"] = exceeded.Requested
		body["available"] = exceeded.Available
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
		body["correlation_id"] = cid
	}
	if status >= http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		config.LogError(h.logger, "handlers.go", funcName, c.Request.URL.Path, nil, err)
	}
	c.JSON(status, body)
}

func (h *api) createAccount(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	var input models.NewAccount
	if !bindJSON(c, &input) {
		return
	}
	acc, err := h.svc().Ledger.CreateAccount(c.Request.Context(), actor, input)
	if err != nil {
		h.fail(c, "createAccount", err)
		return
	}
	c.JSON(http.StatusCreated, acc)
}

func (h *api) listAccounts(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	fy, ok := fiscalYearQuery(c)
	if !ok {
		return
	}
	accounts, err := h.svc().Ledger.ListAccounts(c.Request.Context(), actor, fy)
	if err != nil {
		h.fail(c, "listAccounts", err)
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (h *api) getAccount(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	acc, err := h.svc().Ledger.GetAccount(c.Request.Context(), actor, id)
	if err != nil {
		h.fail(c, "getAccount", err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (h *api) listRealizations(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	rs, err := h.svc().Ledger.ListRealizations(c.Request.Context(), actor, id)
	if err != nil {
		h.fail(c, "listRealizations", err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

type correctionInput struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *api) applyCorrection(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var input correctionInput
	if !bindJSON(c, &input) {
		return
	}
	if _, err := h.svc().Ledger.GetAccount(c.Request.Context(), actor, id); err != nil {
		h.fail(c, "applyCorrection", err)
		return
	}
	res, err := h.svc().Ledger.ApplyCorrection(c.Request.Context(), actor, id, input.Amount)
	if err != nil {
		h.fail(c, "applyCorrection", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *api) reconcileAccount(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	res, err := h.svc().Ledger.ReconcileAccount(c.Request.Context(), actor, id)
	if err != nil {
		h.fail(c, "reconcileAccount", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *api) createRequest(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	var input models.NewRequest
	if !bindJSON(c, &input) {
		return
	}
	req, err := h.svc().Requests.CreateRequest(c.Request.Context(), actor, input)
	if err != nil {
		h.fail(c, "createRequest", err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *api) listRequests(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	fy, ok := fiscalYearQuery(c)
	if !ok {
		return
	}
	status := models.RequestStatus(strings.ToLower(c.Query("status")))
	if status != "" && !status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	reqs, err := h.svc().Requests.ListRequests(c.Request.Context(), actor, fy, status)
	if err != nil {
		h.fail(c, "listRequests", err)
		return
	}
	accounts, err := accountsOf(c.Request.Context(), reqs...)
	if err != nil {
		h.fail(c, "listRequests", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requests": reqs,
		"accounts": accounts,
	})
}

func (h *api) getRequest(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	req, err := h.svc().Requests.GetRequest(ctx, actor, id)
	if err != nil {
		h.fail(c, "getRequest", err)
		return
	}
	accounts, err := accountsOf(ctx, req)
	if err != nil {
		h.fail(c, "getRequest", err)
		return
	}
	body := gin.H{
		"request":          req,
		"total":            req.Total(),
		"available_events": models.AvailableEvents(req.Status),
		"accounts":         accounts,
	}
	if loaders := middlewares.For(ctx); loaders != nil {
		docs, err := loaders.DocumentLoader.Load(ctx, req.ID)()
		if err != nil {
			h.fail(c, "getRequest", err)
			return
		}
		body["documents"] = docs
	}
	c.JSON(http.StatusOK, body)
}

func (h *api) addLineItem(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var input models.NewLineItem
	if !bindJSON(c, &input) {
		return
	}
	li, err := h.svc().Requests.AddLineItem(c.Request.Context(), actor, id, input)
	if err != nil {
		h.fail(c, "addLineItem", err)
		return
	}
	c.JSON(http.StatusCreated, li)
}

func (h *api) removeLineItem(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	lineItemId, ok := intParam(c, "lineItemId")
	if !ok {
		return
	}
	if err := h.svc().Requests.RemoveLineItem(c.Request.Context(), actor, id, lineItemId); err != nil {
		h.fail(c, "removeLineItem", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *api) attachDocument(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var input models.NewDocument
	if !bindJSON(c, &input) {
		return
	}
	doc, err := h.svc().Requests.AttachDocument(c.Request.Context(), actor, id, input)
	if err != nil {
		h.fail(c, "attachDocument", err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *api) listDocuments(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	docs, err := h.svc().Requests.ListDocuments(c.Request.Context(), actor, id)
	if err != nil {
		h.fail(c, "listDocuments", err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

type transitionInput struct {
	Reason string `json:"reason"`
}

func (h *api) transition(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	event, err := models.ParseRequestEvent(c.Param("event"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var input transitionInput
	if c.Request.ContentLength > 0 && !bindJSON(c, &input) {
		return
	}
	req, err := h.svc().Requests.Transition(c.Request.Context(), actor, id, event, input.Reason)
	if err != nil {
		h.fail(c, "transition", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *api) createDisbursement(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var body models.NewDisbursement
	if !bindJSON(c, &body) {
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" && body.IdempotencyKey == "" {
		body.IdempotencyKey = key
	}
	input, err := workflow.ParseDisbursementInput(id, body)
	if err != nil {
		h.fail(c, "createDisbursement", err)
		return
	}
	d, err := h.svc().Disbursements.CreateDisbursement(c.Request.Context(), actor, input)
	if err != nil {
		h.fail(c, "createDisbursement", err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *api) listDisbursements(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	ds, err := h.svc().Disbursements.ListDisbursements(c.Request.Context(), actor, id)
	if err != nil {
		h.fail(c, "listDisbursements", err)
		return
	}
	c.JSON(http.StatusOK, ds)
}

func (h *api) getDisbursement(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	d, err := h.svc().Disbursements.GetDisbursement(c.Request.Context(), actor, id)
	if err != nil {
		h.fail(c, "getDisbursement", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type roleInput struct {
	Capabilities []string `json:"capabilities" binding:"required"`
}

func (h *api) saveRole(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	var input roleInput
	if !bindJSON(c, &input) {
		return
	}
	caps := make([]string, 0, len(input.Capabilities))
	for _, s := range input.Capabilities {
		capability := models.Capability(strings.ToLower(strings.TrimSpace(s)))
		if !capability.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown capability " + s})
			return
		}
		caps = append(caps, string(capability))
	}
	role := &models.Role{
		OrganizationId: actor.OrganizationId,
		Name:           c.Param("name"),
		Capabilities:   strings.Join(caps, ";"),
	}
	if err := h.svc().Permissions.SaveRoleAs(c.Request.Context(), actor, role); err != nil {
		h.fail(c, "saveRole", err)
		return
	}
	c.JSON(http.StatusOK, role)
}
