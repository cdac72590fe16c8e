package dotysync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/models"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
)

// PublishSyncRun queues a poll run so the HTTP request that triggered it
// returns immediately. The push subscription delivers to PubSubPushHandler.
func PublishSyncRun(ctx context.Context, runId uint, configId uint) error {
	topicName := strings.TrimSpace(os.Getenv("DOTYPOS_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "dotypos-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("DOTYPOS_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := syncPubSubPayload{
		RunId:    runId,
		ConfigId: configId,
	}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_DOTYPOS_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload syncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.ConfigId == 0 {
			c.Status(204)
			return
		}

		_ = processQueuedRun(c.Request.Context(), payload)
		c.Status(204)
	}
}

// processQueuedRun picks up a queued run from a Pub/Sub push and executes
// the poll. Runs already past queued are acknowledged without rework.
func processQueuedRun(ctx context.Context, payload syncPubSubPayload) error {
	logger := config.GetLogger()
	db := config.GetDB()

	run, err := models.GetSyncRun(ctx, db, payload.ConfigId, payload.RunId)
	if err != nil {
		return err
	}
	if run.Status != models.SyncRunStatusQueued {
		return nil
	}
	cfg, err := models.GetSyncConfig(ctx, db, payload.ConfigId)
	if err != nil {
		return err
	}
	if err := RunPoll(ctx, db, cfg, run); err != nil {
		config.LogError(logger, "pubsub.go", "processQueuedRun", "RunPoll", cfg.CloudId, err)
		return err
	}
	return nil
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
