package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"keypool/internal/config"
	"keypool/internal/credstore"
	"keypool/internal/health"
	"keypool/internal/model"
	"keypool/internal/router"
	"keypool/internal/usage"

	"github.com/gin-gonic/gin"
)

// CredentialService is the credential store surface used by the API.
type CredentialService interface {
	Add(ctx context.Context, provider, secret, nickname, owner string, skipValidation bool) (*model.CredentialView, error)
	Deactivate(publicID string) error
	Reactivate(publicID string) error
	List(owner string) ([]model.CredentialView, error)
	Get(publicID string) (*model.Credential, error)
}

// SelectorService picks credentials.
type SelectorService interface {
	SelectBest(provider, modelName string) (*model.Credential, error)
}

// LedgerService admits requests against quota.
type LedgerService interface {
	Reserve(cred *model.Credential, modelName string) error
}

// MonitorService records call outcomes.
type MonitorService interface {
	RecordOutcome(cred *model.Credential, modelName string, success bool, latencyMs int64)
}

// ProberService tests live credentials.
type ProberService interface {
	Probe(ctx context.Context, cred *model.Credential, spec *config.ProviderSpec) (int64, error)
}

// DashboardService builds the reporting snapshot.
type DashboardService interface {
	Snapshot() *model.DashboardSnapshot
}

// ActivityService reads the recent request log.
type ActivityService interface {
	ListRecentRequestLogs(limit int) ([]model.RequestLog, error)
}

// Handler carries the gateway's HTTP endpoints.
type Handler struct {
	creds     CredentialService
	selector  SelectorService
	ledger    LedgerService
	monitor   MonitorService
	prober    ProberService
	dashboard DashboardService
	activity  ActivityService
	cfg       *config.Config
}

// NewHandler creates a Handler.
func NewHandler(creds CredentialService, selector SelectorService, ledger LedgerService, monitor MonitorService, prober ProberService, dash DashboardService, activity ActivityService, cfg *config.Config) *Handler {
	return &Handler{
		creds:     creds,
		selector:  selector,
		ledger:    ledger,
		monitor:   monitor,
		prober:    prober,
		dashboard: dash,
		activity:  activity,
		cfg:       cfg,
	}
}

// AddKeyRequest is the POST /keys body.
type AddKeyRequest struct {
	Provider       string `json:"provider" binding:"required"`
	APIKey         string `json:"api_key" binding:"required"`
	Nickname       string `json:"nickname"`
	Owner          string `json:"owner"`
	SkipValidation bool   `json:"skip_validation"`
}

// SelectRequest is the POST /select body.
type SelectRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ReportRequest is the POST /report body.
type ReportRequest struct {
	CredentialID string `json:"credential_id" binding:"required"`
	Model        string `json:"model"`
	Success      bool   `json:"success"`
	LatencyMs    int64  `json:"latency_ms"`
}

func (h *Handler) DashboardHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.dashboard.Snapshot())
}

func (h *Handler) ProvidersHandler(c *gin.Context) {
	owner := c.Query("owner")
	views, err := h.creds.List(owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list credentials"})
		return
	}
	counts := make(map[string]int)
	for _, v := range views {
		counts[v.Provider]++
	}

	type providerInfo struct {
		Name       string   `json:"name"`
		Models     []string `json:"models"`
		DailyQuota int      `json:"daily_quota"`
		KeysCount  int      `json:"keys_count"`
	}
	out := make([]providerInfo, 0, len(h.cfg.Providers))
	for _, p := range h.cfg.Providers {
		out = append(out, providerInfo{
			Name:       p.Name,
			Models:     p.Models,
			DailyQuota: p.DailyQuota,
			KeysCount:  counts[p.Name],
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	views, err := h.creds.List(c.Query("owner"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": views})
}

func (h *Handler) AddKeyHandler(c *gin.Context) {
	var req AddKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	view, err := h.creds.Add(c.Request.Context(), req.Provider, req.APIKey, req.Nickname, req.Owner, req.SkipValidation)
	if err != nil {
		status, msg := classifyError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) DeactivateKeyHandler(c *gin.Context) {
	if err := h.creds.Deactivate(c.Param("id")); err != nil {
		status, msg := classifyError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Credential deactivated"})
}

func (h *Handler) ReactivateKeyHandler(c *gin.Context) {
	if err := h.creds.Reactivate(c.Param("id")); err != nil {
		status, msg := classifyError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Credential reactivated"})
}

func (h *Handler) TestKeyHandler(c *gin.Context) {
	cred, err := h.creds.Get(c.Param("id"))
	if err != nil {
		status, msg := classifyError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	spec := h.cfg.Provider(cred.Provider)
	if spec == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Provider no longer configured"})
		return
	}

	latency, err := h.prober.Probe(c.Request.Context(), cred, spec)
	if err != nil {
		status, msg := classifyError(err)
		c.JSON(status, gin.H{"error": msg, "latency_ms": latency})
		return
	}
	c.JSON(http.StatusOK, gin.H{"latency_ms": latency})
}

// SelectHandler hands out the best credential for a provider/model. This
// is the entry point for the platform's AI features; the caller performs
// the provider call itself and reports back through ReportHandler.
func (h *Handler) SelectHandler(c *gin.Context) {
	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	cred, err := h.selector.SelectBest(req.Provider, req.Model)
	if err != nil {
		status, msg := classifyError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"credential_id": cred.PublicID,
		"provider":      cred.Provider,
		"api_key":       cred.Secret,
	})
}

// ReportHandler reserves quota for a completed provider call attempt and
// records its outcome. A 429 means the reservation lost the race between
// selection and admission; the caller should reselect once.
func (h *Handler) ReportHandler(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	cred, err := h.creds.Get(req.CredentialID)
	if err != nil {
		status, msg := classifyError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	reserveErr := h.ledger.Reserve(cred, req.Model)
	// The provider call already happened; its outcome is recorded
	// exactly once regardless of how the reservation fared.
	h.monitor.RecordOutcome(cred, req.Model, req.Success, req.LatencyMs)

	if reserveErr != nil {
		status, msg := classifyError(reserveErr)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Outcome recorded"})
}

func (h *Handler) RecentStatsHandler(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.activity.ListRecentRequestLogs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read request log"})
		return
	}

	out := make([]model.RequestLogView, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.RequestLogView{
			Provider:  e.Provider,
			Model:     e.ModelName,
			Success:   e.Success,
			LatencyMs: e.LatencyMs,
			Probe:     e.Probe,
			Timestamp: e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (h *Handler) HealthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// classifyError maps the error taxonomy onto HTTP statuses.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, health.ErrInvalidKey):
		return http.StatusUnprocessableEntity, "Provider rejected the credential"
	case errors.Is(err, health.ErrProviderUnreachable):
		return http.StatusBadGateway, "Provider unreachable"
	case errors.Is(err, credstore.ErrCredentialNotFound):
		return http.StatusNotFound, "Credential not found"
	case errors.Is(err, credstore.ErrUnknownProvider), errors.Is(err, usage.ErrUnknownProvider):
		return http.StatusBadRequest, "Unknown provider"
	case errors.Is(err, router.ErrNoEligibleKey):
		return http.StatusServiceUnavailable, "No eligible credential"
	case errors.Is(err, usage.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "Quota exceeded"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}
