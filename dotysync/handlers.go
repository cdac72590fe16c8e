package dotysync

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"bitbucket.org/mmdatafocus/possync_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

func resolveConfig(c *gin.Context) (*models.SyncConfig, bool) {
	configId, err := strconv.ParseUint(c.Param("configId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown config"})
		return nil, false
	}
	cfg, err := models.GetSyncConfig(c.Request.Context(), config.GetDB(), uint(configId))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown config"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return cfg, true
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		}
		return false
	}
	return true
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		token, err := models.GetActiveToken(c.Request.Context(), config.GetDB(), cfg.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := StatusResponse{
			Status:         cfg.Status,
			CloudId:        cfg.CloudId,
			WebhookActive:  utils.DereferencePtr(cfg.WebhookActive, true),
			LastSyncAt:     formatTime(cfg.LastSyncAt),
			LastSyncStatus: cfg.LastSyncStatus,
			PollWatermark:  formatTime(cfg.PollWatermark),
		}
		if token != nil {
			resp.TokenObtainedAt = formatTime(&token.ObtainedAt)
			resp.TokenLastRefreshAt = formatTime(token.LastRefreshAt)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// ConnectHandler registers (or re-registers) a cloud and answers with the
// authorization URL the operator must visit to grant access.
func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewSyncConfig
		if !bindJSON(c, &req) {
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()

		apiBaseURL := strings.TrimSpace(req.APIBaseURL)
		if apiBaseURL == "" {
			apiBaseURL = "https://api.dotykacka.cz"
		}
		statusFilter := req.OrderStatusFilter
		if statusFilter != models.OrderStatusFilterAll {
			statusFilter = models.OrderStatusFilterOnSite
		}

		cfg, err := models.GetSyncConfigByCloudId(ctx, db, req.CloudId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if cfg == nil {
			cfg = &models.SyncConfig{
				CloudId:           req.CloudId,
				CompanyName:       req.CompanyName,
				ClientId:          req.ClientId,
				ClientSecret:      req.ClientSecret,
				APIBaseURL:        apiBaseURL,
				RedirectURI:       req.RedirectURI,
				WebhookSecret:     req.WebhookSecret,
				OrderStatusFilter: statusFilter,
				Status:            models.ConfigStatusNeedsReauth,
			}
			if err := db.WithContext(ctx).Create(cfg).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			updates := map[string]interface{}{
				"company_name":        req.CompanyName,
				"client_id":           req.ClientId,
				"client_secret":       req.ClientSecret,
				"api_base_url":        apiBaseURL,
				"redirect_uri":        req.RedirectURI,
				"order_status_filter": statusFilter,
				"status":              models.ConfigStatusNeedsReauth,
			}
			if req.WebhookSecret != "" {
				updates["webhook_secret"] = req.WebhookSecret
			}
			if err := db.WithContext(ctx).Model(cfg).Updates(updates).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			cfg.ClientId = req.ClientId
			cfg.RedirectURI = req.RedirectURI
			cfg.APIBaseURL = apiBaseURL
			evictConfigCache(cfg.ID)
		}

		c.JSON(http.StatusOK, gin.H{
			"configId":     cfg.ID,
			"cloudId":      cfg.CloudId,
			"authorizeUrl": authorizeURL(cfg),
		})
	}
}

func authorizeURL(cfg *models.SyncConfig) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", cfg.ClientId)
	params.Set("redirect_uri", cfg.RedirectURI)
	params.Set("state", cfg.CloudId)
	return strings.TrimRight(cfg.APIBaseURL, "/") + "/oauth/authorize?" + params.Encode()
}

func AuthorizeURLHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"authorizeUrl": authorizeURL(cfg)})
	}
}

// DisconnectHandler revokes the token pair (best effort) and disables the
// config. Synced data stays.
func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		db := config.GetDB()
		logger := config.GetLogger()

		token, err := models.GetActiveToken(ctx, db, cfg.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if token != nil {
			if err := RevokeToken(ctx, cfg, token); err != nil {
				config.LogError(logger, "handlers.go", "DisconnectHandler", "RevokeToken", cfg.CloudId, err)
			}
			if err := db.WithContext(ctx).Model(&models.OAuthToken{}).
				Where("config_id = ?", cfg.ID).
				Update("active", false).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		if err := db.WithContext(ctx).Model(cfg).
			Update("status", models.ConfigStatusDisabled).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		evictConfigCache(cfg.ID)
		c.JSON(http.StatusOK, gin.H{"status": models.ConfigStatusDisabled})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		var req UpdateSettingsRequest
		if !bindJSON(c, &req) {
			return
		}

		updates := map[string]interface{}{}
		if req.SyncCustomers != nil {
			updates["sync_customers"] = *req.SyncCustomers
		}
		if req.SyncProducts != nil {
			updates["sync_products"] = *req.SyncProducts
		}
		if req.SyncOrders != nil {
			updates["sync_orders"] = *req.SyncOrders
		}
		if req.AutoCreateInvoice != nil {
			updates["auto_create_invoice"] = *req.AutoCreateInvoice
		}
		if req.AutoValidateInvoice != nil {
			updates["auto_validate_invoice"] = *req.AutoValidateInvoice
		}
		if req.AutoReconcilePayments != nil {
			updates["auto_reconcile_payments"] = *req.AutoReconcilePayments
		}
		if req.WebhookActive != nil {
			updates["webhook_active"] = *req.WebhookActive
		}
		if req.OrderStatusFilter != "" {
			if req.OrderStatusFilter != models.OrderStatusFilterOnSite && req.OrderStatusFilter != models.OrderStatusFilterAll {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid orderStatusFilter"})
				return
			}
			updates["order_status_filter"] = req.OrderStatusFilter
		}
		if len(updates) > 0 {
			if err := config.GetDB().WithContext(c.Request.Context()).
				Model(cfg).Updates(updates).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			evictConfigCache(cfg.ID)
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	}
}

func ListPaymentMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		var mappings []models.PaymentMethodMapping
		if err := config.GetDB().WithContext(c.Request.Context()).
			Where("config_id = ?", cfg.ID).
			Order("method").
			Find(&mappings).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"mappings": mappings})
	}
}

// UpsertPaymentMappingHandler creates or replaces the journal mapping for
// one payment method.
func UpsertPaymentMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		var req models.NewPaymentMethodMapping
		if !bindJSON(c, &req) {
			return
		}
		ctx := c.Request.Context()
		db := config.GetDB()

		method := strings.TrimSpace(req.Method)
		var existing models.PaymentMethodMapping
		err := db.WithContext(ctx).
			Where("config_id = ? AND method = ?", cfg.ID, method).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		isDefault := utils.DereferencePtr(req.IsDefault, false)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			mapping := models.PaymentMethodMapping{
				ConfigId:    cfg.ID,
				Method:      method,
				JournalId:   req.JournalId,
				JournalName: req.JournalName,
				IsDefault:   &isDefault,
				Active:      utils.NewTrue(),
			}
			if err := db.WithContext(ctx).Create(&mapping).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"mapping": mapping})
			return
		}

		if err := db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
			"journal_id":   req.JournalId,
			"journal_name": req.JournalName,
			"is_default":   isDefault,
			"active":       true,
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"mapping": existing})
	}
}

// TriggerSyncHandler queues a manual poll run through Pub/Sub.
func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		if !cfg.IsActive() {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("config is %s", cfg.Status)})
			return
		}
		ctx := c.Request.Context()
		db := config.GetDB()

		run := &models.SyncRun{
			ConfigId:    cfg.ID,
			Status:      models.SyncRunStatusQueued,
			TriggeredBy: models.SyncTriggeredManual,
		}
		if err := db.WithContext(ctx).Create(run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := PublishSyncRun(ctx, run.ID, cfg.ID); err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "TriggerSyncHandler", "PublishSyncRun", cfg.CloudId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not queue sync run"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"runId": run.ID, "status": run.Status})
	}
}

func runResponse(run *models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		TriggeredBy:   run.TriggeredBy,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		EventsCreated: run.EventsCreated,
		EventsApplied: run.EventsApplied,
		ErrorCount:    run.ErrorCount,
	}
}

func ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		runs, err := models.ListSyncRuns(c.Request.Context(), config.GetDB(), cfg.ID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for i := range runs {
			items = append(items, runResponse(&runs[i]))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func RunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		runId, err := strconv.ParseUint(c.Param("runId"), 10, 64)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
			return
		}
		run, err := models.GetSyncRun(c.Request.Context(), config.GetDB(), cfg.ID, uint(runId))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, runResponse(run))
	}
}

// RetryEventsHandler reprocesses failed events. Without an explicit list it
// retries every failed event for the config.
func RetryEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		var req RetryRequest
		if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()
		logger := config.GetLogger()

		var events []models.SyncEvent
		if len(req.EventIds) > 0 {
			for _, eventId := range req.EventIds {
				event, err := models.FindEvent(ctx, db, cfg.ID, eventId)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
					return
				}
				if event != nil && event.State == models.EventStateFailed {
					events = append(events, *event)
				}
			}
		} else {
			var err error
			events, err = models.ListFailedEvents(ctx, db, cfg.ID, 200)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		retried := 0
		failed := 0
		for i := range events {
			event := events[i]
			skip, err := workflow.ClaimEvent(db.WithContext(ctx), &event)
			if err != nil || skip {
				continue
			}
			if err := ProcessEvent(ctx, db, cfg, &event); err != nil {
				config.LogError(logger, "handlers.go", "RetryEventsHandler", "ProcessEvent", event.EventId, err)
				failed++
				continue
			}
			retried++
		}
		c.JSON(http.StatusOK, gin.H{"retried": retried, "failed": failed})
	}
}

func ListLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, ok := resolveConfig(c)
		if !ok {
			return
		}
		filter := models.SyncLogFilter{
			Status:     c.Query("status"),
			EntityType: c.Query("entityType"),
		}
		if v := c.Query("limit"); v != "" {
			filter.Limit, _ = strconv.Atoi(v)
		}
		if v := c.Query("since"); v != "" {
			if t, ok := utils.ParseProviderTime(v); ok {
				filter.Since = &t
			}
		}
		entries, err := models.ListSyncLogs(c.Request.Context(), config.GetDB(), cfg.ID, filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncLogResponse, 0, len(entries))
		for _, entry := range entries {
			items = append(items, SyncLogResponse{
				ID:            entry.ID,
				EventId:       entry.EventId,
				EntityType:    entry.EntityType,
				ExternalId:    entry.ExternalId,
				Operation:     entry.Operation,
				Status:        entry.Status,
				Detail:        entry.Detail,
				CorrelationId: entry.CorrelationId,
				CreatedAt:     entry.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}
