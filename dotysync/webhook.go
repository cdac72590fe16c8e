package dotysync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"bitbucket.org/mmdatafocus/possync_backend/workflow"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const signatureHeader = "X-Dotypos-Signature"

const configCacheTTL = time.Minute

func configCacheKey(configId uint) string {
	return fmt.Sprintf("dotysync:config:%d", configId)
}

// cachedSyncConfig wraps the model for Redis. The secrets are json:"-" on
// SyncConfig so the cache entry has to carry them explicitly or signature
// checks would fail on every cache hit.
type cachedSyncConfig struct {
	Config        models.SyncConfig `json:"config"`
	ClientSecret  string            `json:"client_secret"`
	WebhookSecret string            `json:"webhook_secret"`
}

// loadConfigCached keeps the webhook hot path off MySQL during delivery
// bursts. Mutating handlers evict the key; the TTL bounds staleness when an
// eviction is lost.
func loadConfigCached(ctx context.Context, db *gorm.DB, configId uint) (*models.SyncConfig, error) {
	key := configCacheKey(configId)
	var cached cachedSyncConfig
	if hit, err := config.GetRedisObject(key, &cached); err == nil && hit {
		cfg := cached.Config
		cfg.ClientSecret = cached.ClientSecret
		cfg.WebhookSecret = cached.WebhookSecret
		return &cfg, nil
	}
	cfg, err := models.GetSyncConfig(ctx, db, configId)
	if err != nil {
		return nil, err
	}
	entry := cachedSyncConfig{Config: *cfg, ClientSecret: cfg.ClientSecret, WebhookSecret: cfg.WebhookSecret}
	if err := config.SetRedisObject(key, entry, configCacheTTL); err != nil {
		config.LogError(config.GetLogger(), "webhook.go", "loadConfigCached", "SetRedisObject", configId, err)
	}
	return cfg, nil
}

// evictConfigCache drops the cached row after credentials, settings or
// status change.
func evictConfigCache(configId uint) {
	if err := config.RemoveRedisKey(configCacheKey(configId)); err != nil {
		config.LogError(config.GetLogger(), "webhook.go", "evictConfigCache", "RemoveRedisKey", configId, err)
	}
}

// verifySignature checks the hex HMAC-SHA256 of the raw body against the
// config's webhook secret using a constant-time compare.
func verifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return &SignatureError{Reason: "webhook secret not configured"}
	}
	signature = strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	if signature == "" {
		return &SignatureError{Reason: "missing signature header"}
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return &SignatureError{Reason: "signature is not valid hex"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return &SignatureError{Reason: "signature mismatch"}
	}
	return nil
}

func mapWebhookEventType(event string) string {
	switch strings.ToLower(event) {
	case "create", "created":
		return models.EventTypeCreated
	case "delete", "deleted":
		return models.EventTypeDeleted
	default:
		return models.EventTypeUpdated
	}
}

func mapWebhookEntityType(entityType string) string {
	switch strings.ToLower(entityType) {
	case "order", "receipt":
		return models.EntityTypeOrder
	case "customer":
		return models.EntityTypeCustomer
	case "product":
		return models.EntityTypeProduct
	default:
		return ""
	}
}

// WebhookHandler ingests one provider push. Always answers 200 for accepted
// and duplicate events so the provider stops redelivering; processing
// failures are still 200 because the event row owns the retry story.
func WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		configId, err := strconv.ParseUint(c.Param("configId"), 10, 64)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown config"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()
		cfg, err := loadConfigCached(ctx, db, uint(configId))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown config"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
			return
		}
		if err := verifySignature(cfg.WebhookSecret, body, c.GetHeader(signatureHeader)); err != nil {
			config.LogError(logger, "webhook.go", "WebhookHandler", "signature", cfg.CloudId, err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		if !utils.DereferencePtr(cfg.WebhookActive, true) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "webhook disabled"})
			return
		}

		var envelope webhookEnvelope
		if err := utils.UnmarshalFromJSON(body, &envelope); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		entityType := mapWebhookEntityType(envelope.EntityType)
		if entityType == "" || envelope.EntityId == 0 {
			c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "unsupported entity"})
			return
		}

		eventId := strings.TrimSpace(envelope.EventId)
		if eventId == "" {
			// provider omits eventId on some webhook versions, synthesize a
			// deterministic one so redeliveries still dedup
			eventId = fmt.Sprintf("webhook:%s:%d:%s", entityType, envelope.EntityId, envelope.Timestamp)
		}

		event := &models.SyncEvent{
			ConfigId:   cfg.ID,
			EventId:    eventId,
			EventType:  mapWebhookEventType(envelope.Event),
			EntityType: entityType,
			ExternalId: strconv.FormatInt(envelope.EntityId, 10),
			Payload:    envelope.Data,
			Source:     models.EventSourceWebhook,
			ReceivedAt: time.Now(),
		}
		if t, ok := utils.ParseProviderTime(envelope.Timestamp); ok {
			event.ProviderTimestamp = &t
		}

		skip, err := workflow.ClaimEvent(db.WithContext(ctx), event)
		if err != nil {
			if err == workflow.ErrEventInProgress {
				c.JSON(http.StatusOK, gin.H{"status": "duplicate", "detail": "in progress"})
				return
			}
			config.LogError(logger, "webhook.go", "WebhookHandler", "ClaimEvent", eventId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if skip {
			c.JSON(http.StatusOK, gin.H{"status": "duplicate", "state": event.State})
			return
		}

		if err := ProcessEvent(ctx, db, cfg, event); err != nil {
			config.LogError(logger, "webhook.go", "WebhookHandler", "ProcessEvent", eventId, err)
			c.JSON(http.StatusOK, gin.H{"status": "accepted", "state": models.EventStateFailed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "accepted", "state": event.State})
	}
}

// WebhookTestHandler echoes the request so installers can verify signing
// end to end without touching real data.
func WebhookTestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		configId, err := strconv.ParseUint(c.Param("configId"), 10, 64)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown config"})
			return
		}
		db := config.GetDB()
		cfg, err := loadConfigCached(c.Request.Context(), db, uint(configId))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown config"})
			return
		}
		body, _ := io.ReadAll(c.Request.Body)
		signatureOk := verifySignature(cfg.WebhookSecret, body, c.GetHeader(signatureHeader)) == nil
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"configId":    cfg.ID,
			"signatureOk": signatureOk,
			"receivedAt":  time.Now().UTC().Format(time.RFC3339),
			"echo":        string(body),
		})
	}
}

// OAuthCallbackHandler completes the authorization code flow started by
// AuthorizeURLHandler. state carries the cloud id.
func OAuthCallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		code := strings.TrimSpace(c.Query("code"))
		state := strings.TrimSpace(c.Query("state"))
		if code == "" || state == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code and state are required"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()
		cfg, err := models.GetSyncConfigByCloudId(ctx, db, state)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if cfg == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown cloud"})
			return
		}

		manager := newTokenManager(db)
		if err := manager.ExchangeCode(ctx, cfg, code); err != nil {
			config.LogError(logger, "webhook.go", "OAuthCallbackHandler", "ExchangeCode", cfg.CloudId, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "token exchange failed"})
			return
		}

		if err := db.WithContext(ctx).Model(&models.SyncConfig{}).
			Where("id = ?", cfg.ID).
			Update("status", models.ConfigStatusActive).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		evictConfigCache(cfg.ID)
		c.JSON(http.StatusOK, gin.H{"status": "connected", "cloudId": cfg.CloudId})
	}
}
