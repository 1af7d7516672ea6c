package analyses

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/documents"
	"caseanalysis-backend/internal/shared/server/middleware"
	"caseanalysis-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches run routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/runs", h.submit)
	rg.GET("/runs", h.list)
	rg.GET("/runs/:id", h.getStatus)
	rg.POST("/runs/:id/cancel", h.cancel)
	rg.POST("/runs/:id/resume", h.resume)
}

type documentRequest struct {
	ID            string `json:"id"`
	MimeType      string `json:"mimeType"`
	SourceLocator string `json:"sourceLocator"`
	Description   string `json:"description"`
	FileName      string `json:"fileName"`
}

type submitRequest struct {
	GroupKey          string            `json:"groupKey"`
	Documents         []documentRequest `json:"documents"`
	Instructions      string            `json:"instructions"`
	Provider          string            `json:"provider"`
	ExtendedReasoning bool              `json:"extendedReasoning"`
	Strategy          string            `json:"strategy"`
	Credentials       *struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"credentials"`
}

func (h *Handler) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	in := SubmitInput{
		OwnerID:           middleware.UserIDFromContext(c),
		GroupKey:          req.GroupKey,
		Instructions:      req.Instructions,
		Provider:          req.Provider,
		ExtendedReasoning: req.ExtendedReasoning,
		Strategy:          req.Strategy,
	}
	for _, d := range req.Documents {
		in.Documents = append(in.Documents, documents.Descriptor{
			ID:            d.ID,
			MimeType:      d.MimeType,
			SourceLocator: d.SourceLocator,
			Description:   d.Description,
			FileName:      d.FileName,
		})
	}
	if req.Credentials != nil {
		in.Credentials = documents.Credentials{Username: req.Credentials.Username, Password: req.Credentials.Password}
	}

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	run, err := h.Svc.Submit(ctx, in)
	if err != nil {
		h.writeError(c, err, "failed to submit analysis")
		return
	}
	c.Set("runId", run.ID)
	c.Set("statusTransition", "->pending")
	respond.JSON(c, http.StatusAccepted, gin.H{
		"runId":  run.ID,
		"status": run.Status,
	})
}

func (h *Handler) getStatus(c *gin.Context) {
	view, ok := h.ownedView(c)
	if !ok {
		return
	}
	respond.OK(c, view)
}

func (h *Handler) cancel(c *gin.Context) {
	if _, ok := h.ownedView(c); !ok {
		return
	}
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	view, err := h.Svc.Cancel(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to cancel analysis")
		return
	}
	c.Set("statusTransition", "->cancelled")
	respond.OK(c, view)
}

func (h *Handler) resume(c *gin.Context) {
	if _, ok := h.ownedView(c); !ok {
		return
	}
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	view, err := h.Svc.Resume(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to resume analysis")
		return
	}
	c.Set("statusTransition", "failed->processing")
	respond.JSON(c, http.StatusAccepted, gin.H{
		"runId":  view.RunID,
		"status": view.Status,
	})
}

func (h *Handler) list(c *gin.Context) {
	limit := 0
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	views, err := h.Svc.List(c.Request.Context(), middleware.UserIDFromContext(c), limit, offset)
	if err != nil {
		h.writeError(c, err, "failed to list analyses")
		return
	}
	respond.OK(c, views)
}

// ownedView loads the run named in the path. Runs of other owners are
// reported as missing.
func (h *Handler) ownedView(c *gin.Context) (StatusView, bool) {
	runID := c.Param("id")
	c.Set("runId", runID)
	view, err := h.Svc.GetStatus(c.Request.Context(), runID)
	if err != nil {
		h.writeError(c, err, "failed to fetch analysis")
		return StatusView{}, false
	}
	if view.OwnerID != middleware.UserIDFromContext(c) {
		respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
		return StatusView{}, false
	}
	return view, true
}

func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, ErrUnknownProvider):
		respond.Error(c, http.StatusBadRequest, "unknown_provider", err.Error(), []map[string]string{
			{"field": "provider", "issue": "not_configured"},
		})
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
	case errors.Is(err, ErrNotResumable):
		respond.Error(c, http.StatusConflict, "not_resumable", "Only failed analyses with a saved checkpoint can be resumed.", nil)
	case errors.Is(err, ErrNotCancellable):
		respond.Error(c, http.StatusConflict, "not_cancellable", "The analysis has already finished.", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}
