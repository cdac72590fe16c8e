package dotysync

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"bitbucket.org/mmdatafocus/possync_backend/workflow"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// initialLookback bounds the first poll of a freshly connected cloud.
const initialLookback = 30 * 24 * time.Hour

const logRetention = 30 * 24 * time.Hour

// StartScheduler wires the recurring jobs: the safety-net poll that catches
// webhooks the provider dropped, and the nightly retention sweep. The jobs
// run on ctx so a shutdown finishes the current event and starts no new one.
func StartScheduler(ctx context.Context) *cron.Cron {
	logger := config.GetLogger()
	c := cron.New()

	spec := "@every 15m"
	if v := strings.TrimSpace(os.Getenv("POLL_SCHEDULE")); v != "" {
		spec = v
	}
	if _, err := c.AddFunc(spec, func() {
		PollAllConfigs(ctx, models.SyncTriggeredSchedule)
	}); err != nil {
		config.LogError(logger, "poller.go", "StartScheduler", "poll schedule", spec, err)
	}
	if _, err := c.AddFunc("0 3 * * *", func() {
		RetentionSweep(ctx)
	}); err != nil {
		config.LogError(logger, "poller.go", "StartScheduler", "retention schedule", nil, err)
	}

	c.Start()
	return c
}

// PollAllConfigs runs one poll cycle for every active config.
func PollAllConfigs(ctx context.Context, triggeredBy string) {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return
	}

	var configs []models.SyncConfig
	if err := db.WithContext(ctx).Where("status = ?", models.ConfigStatusActive).Find(&configs).Error; err != nil {
		config.LogError(logger, "poller.go", "PollAllConfigs", "list configs", nil, err)
		return
	}
	for i := range configs {
		cfg := &configs[i]
		if !utils.DereferencePtr(cfg.SyncOrders, true) {
			continue
		}
		run := &models.SyncRun{
			ConfigId:    cfg.ID,
			Status:      models.SyncRunStatusQueued,
			TriggeredBy: triggeredBy,
		}
		if err := db.WithContext(ctx).Create(run).Error; err != nil {
			config.LogError(logger, "poller.go", "PollAllConfigs", "create run", cfg.CloudId, err)
			continue
		}
		if err := RunPoll(ctx, db, cfg, run); err != nil {
			config.LogError(logger, "poller.go", "PollAllConfigs", "RunPoll", cfg.CloudId, err)
		}
	}
}

// RunPoll walks orders changed since the watermark, turns each into a
// synthetic event and processes it. The watermark only advances when every
// event in the batch settled into a terminal state. failed counts as
// terminal: the retry endpoint and webhook redelivery own reprocessing, so
// one permanently broken order cannot pin the window and force every cycle
// to re-list it against the rate budget. Only an event another worker still
// holds keeps the window open.
func RunPoll(ctx context.Context, db *gorm.DB, cfg *models.SyncConfig, run *models.SyncRun) error {
	logger := config.GetLogger()

	since := time.Now().Add(-initialLookback)
	if cfg.PollWatermark != nil {
		since = *cfg.PollWatermark
	}

	startedAt := time.Now()
	if err := db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":      models.SyncRunStatusRunning,
		"window_from": since,
		"started_at":  startedAt,
	}).Error; err != nil {
		return err
	}

	client := newApiClient(db, cfg)
	created := 0
	applied := 0
	errorCount := 0
	allTerminal := true
	maxUpdatedAt := since

	page := 1
	for {
		resp, err := client.ListOrdersUpdatedSince(ctx, since, page)
		if err != nil {
			errorCount++
			allTerminal = false
			config.LogError(logger, "poller.go", "RunPoll", "ListOrdersUpdatedSince", cfg.CloudId, err)
			break
		}

		for i := range resp.Data {
			// finish the in-flight event on shutdown, start no new one
			if ctx.Err() != nil {
				allTerminal = false
				break
			}
			order := &resp.Data[i]
			updatedAt, hasUpdatedAt := utils.ParseProviderTime(order.UpdatedAt)
			if hasUpdatedAt && updatedAt.After(maxUpdatedAt) {
				maxUpdatedAt = updatedAt
			}

			payload, _ := utils.MarshalToJSON(order)
			event := &models.SyncEvent{
				ConfigId:   cfg.ID,
				EventId:    fmt.Sprintf("poll:%d:%s", order.Id, order.UpdatedAt),
				EventType:  models.EventTypeUpdated,
				EntityType: models.EntityTypeOrder,
				ExternalId: externalId(order.Id),
				Payload:    []byte(payload),
				Source:     models.EventSourcePoll,
				ReceivedAt: time.Now(),
			}
			if order.Deleted {
				event.EventType = models.EventTypeDeleted
			}
			if hasUpdatedAt {
				event.ProviderTimestamp = &updatedAt
			}

			skip, err := workflow.ClaimEvent(db.WithContext(ctx), event)
			if err != nil {
				if err == workflow.ErrEventInProgress {
					allTerminal = false
					continue
				}
				errorCount++
				allTerminal = false
				config.LogError(logger, "poller.go", "RunPoll", "ClaimEvent", event.EventId, err)
				continue
			}
			if skip {
				continue
			}
			created++

			if err := ProcessEvent(ctx, db, cfg, event); err != nil {
				// the event row is terminal (failed) so the watermark
				// still moves; retries go through the retry endpoint
				errorCount++
				continue
			}
			applied++
		}

		if ctx.Err() != nil || page >= resp.LastPage || len(resp.Data) == 0 {
			break
		}
		page++
	}

	finishedAt := time.Now()
	status := models.SyncRunStatusSuccess
	if errorCount > 0 && applied == 0 {
		status = models.SyncRunStatusFailed
	} else if errorCount > 0 {
		status = models.SyncRunStatusPartial
	}

	if err := db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":         status,
		"window_to":      maxUpdatedAt,
		"events_created": created,
		"events_applied": applied,
		"error_count":    errorCount,
		"finished_at":    finishedAt,
		"duration_ms":    finishedAt.Sub(startedAt).Milliseconds(),
	}).Error; err != nil {
		return err
	}

	cfgUpdates := map[string]interface{}{
		"last_sync_at":     finishedAt,
		"last_sync_status": status,
	}
	if allTerminal && maxUpdatedAt.After(since) {
		cfgUpdates["poll_watermark"] = maxUpdatedAt
	}
	return db.WithContext(ctx).Model(&models.SyncConfig{}).
		Where("id = ?", cfg.ID).Updates(cfgUpdates).Error
}

// RetentionSweep purges old sync logs and rotated-out tokens.
func RetentionSweep(ctx context.Context) {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return
	}
	cutoff := time.Now().Add(-logRetention)
	if n, err := models.PurgeSyncLogs(ctx, db, cutoff); err != nil {
		config.LogError(logger, "poller.go", "RetentionSweep", "PurgeSyncLogs", cutoff, err)
	} else if n > 0 {
		logger.WithField("purged", n).Info("purged old sync logs")
	}
	if n, err := models.PurgeInactiveTokens(ctx, db, cutoff); err != nil {
		config.LogError(logger, "poller.go", "RetentionSweep", "PurgeInactiveTokens", cutoff, err)
	} else if n > 0 {
		logger.WithField("purged", n).Info("purged rotated tokens")
	}
}
