package main

import (
	"context"
	"flag"
	"log"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/dotysync"
	"bitbucket.org/mmdatafocus/possync_backend/models"
	"github.com/joho/godotenv"
)

// poll-once runs a single poll cycle from the command line, for backfills
// and for debugging a cloud without waiting on the schedule.
func main() {
	_ = godotenv.Load()

	configId := flag.Uint("config", 0, "sync config id (0 = all active configs)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()

	ctx := context.Background()
	if *configId == 0 {
		dotysync.PollAllConfigs(ctx, models.SyncTriggeredManual)
		return
	}

	cfg, err := models.GetSyncConfig(ctx, db, *configId)
	if err != nil {
		log.Fatalf("load config %d: %v", *configId, err)
	}
	run := &models.SyncRun{
		ConfigId:    cfg.ID,
		Status:      models.SyncRunStatusQueued,
		TriggeredBy: models.SyncTriggeredManual,
	}
	if err := db.Create(run).Error; err != nil {
		log.Fatalf("create run: %v", err)
	}
	if err := dotysync.RunPoll(ctx, db, cfg, run); err != nil {
		log.Fatalf("poll: %v", err)
	}
	log.Printf("run %d finished", run.ID)
}
