package dotysync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/dotysync"
	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"bitbucket.org/mmdatafocus/possync_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func TestOrderPipelineEndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()
	db, cfg := setupPipeline(t)

	// journal mapping for cash, default fallback for everything else absent
	mustCreate(t, db, &models.PaymentMethodMapping{
		ConfigId:  cfg.ID,
		Method:    "cash",
		JournalId: 11,
		IsDefault: utils.NewFalse(),
		Active:    utils.NewTrue(),
	})

	orderPayload := map[string]interface{}{
		"id":          5001,
		"orderNumber": "R-1001",
		"type":        "standard",
		"tableName":   "T3",
		"totalWithVat": "235.00",
		"createdAt":   "2026-03-01T12:00:00Z",
		"updatedAt":   "2026-03-01T12:05:00Z",
		"items": []map[string]interface{}{
			{"name": "Espresso", "quantity": "2", "priceWithVat": "55.00"},
			{"name": "Cake", "quantity": "1", "priceWithVat": "125.00"},
		},
		"payments": []map[string]interface{}{
			{"id": 71, "method": "cash", "amount": "235.00"},
		},
	}
	event := buildOrderEvent(t, cfg.ID, "evt-1", orderPayload)

	if skip, err := workflow.ClaimEvent(db, event); err != nil || skip {
		t.Fatalf("ClaimEvent: skip=%v err=%v", skip, err)
	}
	if err := dotysync.ProcessEvent(ctx, db, cfg, event); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	stored, err := models.FindEvent(ctx, db, cfg.ID, "evt-1")
	if err != nil || stored == nil {
		t.Fatalf("FindEvent: %v", err)
	}
	if stored.State != models.EventStateApplied {
		t.Fatalf("event state = %s", stored.State)
	}

	mapping, err := models.FindMapping(ctx, db, cfg.ID, models.EntityTypeOrder, "5001")
	if err != nil || mapping == nil {
		t.Fatalf("order mapping missing: %v", err)
	}

	var order models.SalesOrder
	if err := db.Preload("Items").Where("config_id = ? AND external_id = ?", cfg.ID, "5001").Take(&order).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.State != models.OrderStateConfirmed {
		t.Fatalf("order state = %s", order.State)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(order.Items))
	}
	if !order.Total.Equal(decimal.RequireFromString("235")) {
		t.Fatalf("order total = %s", order.Total)
	}

	invoice, err := models.GetInvoiceForOrder(ctx, db, cfg.ID, order.ID)
	if err != nil || invoice == nil {
		t.Fatalf("invoice missing: %v", err)
	}
	if invoice.State != models.InvoiceStateValidated {
		t.Fatalf("invoice state = %s", invoice.State)
	}
	if !invoice.Balance.IsZero() {
		t.Fatalf("invoice balance = %s, want fully reconciled", invoice.Balance)
	}

	payments, err := models.ListPaymentsForInvoice(ctx, db, cfg.ID, invoice.ID)
	if err != nil || len(payments) != 1 {
		t.Fatalf("payments: %v (%d)", err, len(payments))
	}
	if payments[0].State != models.PaymentStatePosted {
		t.Fatalf("payment state = %s", payments[0].State)
	}

	// duplicate delivery of the same event id is acknowledged without rework
	dup := buildOrderEvent(t, cfg.ID, "evt-1", orderPayload)
	skip, err := workflow.ClaimEvent(db, dup)
	if err != nil {
		t.Fatalf("ClaimEvent duplicate: %v", err)
	}
	if !skip {
		t.Fatal("expected duplicate event to be skipped")
	}

	// replaying the same payload under a new event id must not duplicate rows
	replay := buildOrderEvent(t, cfg.ID, "evt-1-replay", orderPayload)
	if skip, err := workflow.ClaimEvent(db, replay); err != nil || skip {
		t.Fatalf("ClaimEvent replay: skip=%v err=%v", skip, err)
	}
	if err := dotysync.ProcessEvent(ctx, db, cfg, replay); err != nil {
		t.Fatalf("ProcessEvent replay: %v", err)
	}
	var orderCount, invoiceCount int64
	db.Model(&models.SalesOrder{}).Where("config_id = ?", cfg.ID).Count(&orderCount)
	db.Model(&models.Invoice{}).Where("config_id = ?", cfg.ID).Count(&invoiceCount)
	if orderCount != 1 || invoiceCount != 1 {
		t.Fatalf("replay duplicated rows: orders=%d invoices=%d", orderCount, invoiceCount)
	}

	// an event older than the recorded provider timestamp is filtered out
	stalePayload := map[string]interface{}{}
	for k, v := range orderPayload {
		stalePayload[k] = v
	}
	stalePayload["updatedAt"] = "2026-03-01T11:00:00Z"
	stale := buildOrderEvent(t, cfg.ID, "evt-stale", stalePayload)
	if skip, err := workflow.ClaimEvent(db, stale); err != nil || skip {
		t.Fatalf("ClaimEvent stale: skip=%v err=%v", skip, err)
	}
	if err := dotysync.ProcessEvent(ctx, db, cfg, stale); err != nil {
		t.Fatalf("ProcessEvent stale: %v", err)
	}
	staleStored, _ := models.FindEvent(ctx, db, cfg.ID, "evt-stale")
	if staleStored.State != models.EventStateFilteredOut {
		t.Fatalf("stale event state = %s", staleStored.State)
	}

	t.Run("unmapped payment method flags without blocking", func(t *testing.T) {
		testUnmappedPayment(t, ctx, db, cfg)
	})
	t.Run("deleted order cascades", func(t *testing.T) {
		testDeleteCascade(t, ctx, db, cfg)
	})
	t.Run("takeaway order filtered", func(t *testing.T) {
		testStatusFilter(t, ctx, db, cfg)
	})
	t.Run("poll cycle advances the watermark safely", func(t *testing.T) {
		testPollCycle(t, ctx, db)
	})
}

func testUnmappedPayment(t *testing.T, ctx context.Context, db *gorm.DB, cfg *models.SyncConfig) {
	payload := map[string]interface{}{
		"id":          5002,
		"orderNumber": "R-1002",
		"tableName":   "T1",
		"updatedAt":   "2026-03-01T13:00:00Z",
		"items": []map[string]interface{}{
			{"name": "Lunch", "quantity": "1", "priceWithVat": "200.00"},
		},
		"payments": []map[string]interface{}{
			{"id": 81, "method": "cash", "amount": "100.00"},
			{"id": 82, "method": "wolt", "amount": "100.00"},
		},
	}
	event := buildOrderEvent(t, cfg.ID, "evt-2", payload)
	if skip, err := workflow.ClaimEvent(db, event); err != nil || skip {
		t.Fatalf("ClaimEvent: skip=%v err=%v", skip, err)
	}

	err := dotysync.ProcessEvent(ctx, db, cfg, event)
	if err == nil {
		t.Fatal("expected the event to fail on the unmapped method")
	}

	stored, _ := models.FindEvent(ctx, db, cfg.ID, "evt-2")
	if stored.State != models.EventStateFailed || stored.FailedStage != "payments" {
		t.Fatalf("event state=%s stage=%s", stored.State, stored.FailedStage)
	}

	// the cash payment must be committed and reconciled despite the failure
	var order models.SalesOrder
	if err := db.Where("config_id = ? AND external_id = ?", cfg.ID, "5002").Take(&order).Error; err != nil {
		t.Fatalf("order not committed: %v", err)
	}
	invoice, _ := models.GetInvoiceForOrder(ctx, db, cfg.ID, order.ID)
	cash, err := models.FindPaymentByExternalId(ctx, db, cfg.ID, "81")
	if err != nil {
		t.Fatalf("find cash payment: %v", err)
	}
	wolt, err := models.FindPaymentByExternalId(ctx, db, cfg.ID, "82")
	if err != nil {
		t.Fatalf("find wolt payment: %v", err)
	}
	if cash == nil || cash.State != models.PaymentStatePosted {
		t.Fatalf("cash payment not posted: %+v", cash)
	}
	if wolt == nil || wolt.State != models.PaymentStateFlagged {
		t.Fatalf("wolt payment not flagged: %+v", wolt)
	}

	// add the mapping and retry: the event must settle and fully reconcile
	mustCreate(t, db, &models.PaymentMethodMapping{
		ConfigId:  cfg.ID,
		Method:    "wolt",
		JournalId: 12,
		IsDefault: utils.NewFalse(),
		Active:    utils.NewTrue(),
	})
	retry := buildOrderEvent(t, cfg.ID, "evt-2", payload)
	if skip, err := workflow.ClaimEvent(db, retry); err != nil || skip {
		t.Fatalf("ClaimEvent retry: skip=%v err=%v", skip, err)
	}
	if err := dotysync.ProcessEvent(ctx, db, cfg, retry); err != nil {
		t.Fatalf("ProcessEvent retry: %v", err)
	}
	invoice, _ = models.GetInvoiceForOrder(ctx, db, cfg.ID, order.ID)
	if !invoice.Balance.IsZero() {
		t.Fatalf("invoice balance after retry = %s", invoice.Balance)
	}
}

func testDeleteCascade(t *testing.T, ctx context.Context, db *gorm.DB, cfg *models.SyncConfig) {
	var order models.SalesOrder
	if err := db.Where("config_id = ? AND external_id = ?", cfg.ID, "5001").Take(&order).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}

	del := &models.SyncEvent{
		ConfigId:   cfg.ID,
		EventId:    "evt-del-1",
		EventType:  models.EventTypeDeleted,
		EntityType: models.EntityTypeOrder,
		ExternalId: "5001",
		Source:     models.EventSourceWebhook,
		ReceivedAt: time.Now(),
	}
	if skip, err := workflow.ClaimEvent(db, del); err != nil || skip {
		t.Fatalf("ClaimEvent delete: skip=%v err=%v", skip, err)
	}
	if err := dotysync.ProcessEvent(ctx, db, cfg, del); err != nil {
		t.Fatalf("ProcessEvent delete: %v", err)
	}

	if err := db.Where("id = ?", order.ID).Take(&order).Error; err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if order.State != models.OrderStateCancelled {
		t.Fatalf("order state = %s", order.State)
	}
	invoice, _ := models.GetInvoiceForOrder(ctx, db, cfg.ID, order.ID)
	if invoice.State != models.InvoiceStateReversed {
		t.Fatalf("invoice state = %s, posted invoices must be reversed not deleted", invoice.State)
	}
	payments, _ := models.ListPaymentsForInvoice(ctx, db, cfg.ID, invoice.ID)
	for _, p := range payments {
		if p.State != models.PaymentStateCancelled {
			t.Fatalf("payment %d state = %s", p.ID, p.State)
		}
		if !p.ReconciledAmount.IsZero() {
			t.Fatalf("payment %d still reconciled: %s", p.ID, p.ReconciledAmount)
		}
	}

	mapping, err := models.FindMapping(ctx, db, cfg.ID, models.EntityTypeOrder, "5001")
	if err != nil || mapping == nil {
		t.Fatalf("order mapping missing after cascade: %v", err)
	}
	if mapping.Metadata()["deleted"] != "true" {
		t.Fatal("mapping not marked deleted after cascade")
	}

	// a second identical deletion must be a no-op
	again := &models.SyncEvent{
		ConfigId:   cfg.ID,
		EventId:    "evt-del-2",
		EventType:  models.EventTypeDeleted,
		EntityType: models.EntityTypeOrder,
		ExternalId: "5001",
		Source:     models.EventSourceWebhook,
		ReceivedAt: time.Now(),
	}
	if skip, err := workflow.ClaimEvent(db, again); err != nil || skip {
		t.Fatalf("ClaimEvent repeat delete: skip=%v err=%v", skip, err)
	}
	if err := dotysync.ProcessEvent(ctx, db, cfg, again); err != nil {
		t.Fatalf("ProcessEvent repeat delete: %v", err)
	}
	invoice, _ = models.GetInvoiceForOrder(ctx, db, cfg.ID, order.ID)
	if invoice.State != models.InvoiceStateReversed {
		t.Fatalf("repeat delete changed invoice state to %s", invoice.State)
	}

	// deleting an order that was never synced is a benign skip
	ghost := &models.SyncEvent{
		ConfigId:   cfg.ID,
		EventId:    "evt-del-ghost",
		EventType:  models.EventTypeDeleted,
		EntityType: models.EntityTypeOrder,
		ExternalId: "99999",
		Source:     models.EventSourceWebhook,
		ReceivedAt: time.Now(),
	}
	if skip, err := workflow.ClaimEvent(db, ghost); err != nil || skip {
		t.Fatalf("ClaimEvent ghost: skip=%v err=%v", skip, err)
	}
	if err := dotysync.ProcessEvent(ctx, db, cfg, ghost); err != nil {
		t.Fatalf("ProcessEvent ghost: %v", err)
	}
	ghostStored, _ := models.FindEvent(ctx, db, cfg.ID, "evt-del-ghost")
	if ghostStored.State != models.EventStateFilteredOut {
		t.Fatalf("ghost delete state = %s", ghostStored.State)
	}
}

func testStatusFilter(t *testing.T, ctx context.Context, db *gorm.DB, cfg *models.SyncConfig) {
	payload := map[string]interface{}{
		"id":             5003,
		"orderNumber":    "R-1003",
		"deliveryMethod": "takeaway",
		"updatedAt":      "2026-03-01T14:00:00Z",
		"items": []map[string]interface{}{
			{"name": "Coffee to go", "quantity": "1", "priceWithVat": "60.00"},
		},
	}
	event := buildOrderEvent(t, cfg.ID, "evt-3", payload)
	if skip, err := workflow.ClaimEvent(db, event); err != nil || skip {
		t.Fatalf("ClaimEvent: skip=%v err=%v", skip, err)
	}
	if err := dotysync.ProcessEvent(ctx, db, cfg, event); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	stored, _ := models.FindEvent(ctx, db, cfg.ID, "evt-3")
	if stored.State != models.EventStateFilteredOut {
		t.Fatalf("takeaway event state = %s", stored.State)
	}
	var count int64
	db.Model(&models.SalesOrder{}).Where("config_id = ? AND external_id = ?", cfg.ID, "5003").Count(&count)
	if count != 0 {
		t.Fatal("filtered order must not be created")
	}
}

// testPollCycle drives RunPoll against a stub provider API and checks the
// watermark contract: it advances when the batch settles (failed rows
// included), a re-poll of an already-applied window creates no new rows, and
// an event another worker still holds keeps the window open.
func testPollCycle(t *testing.T, ctx context.Context, db *gorm.DB) {
	type stubOrder struct {
		updatedMs int64
		body      map[string]interface{}
	}
	var mu sync.Mutex
	var orders []stubOrder

	addOrder := func(id int64, updatedAt string, payments []map[string]interface{}) {
		t.Helper()
		parsed, ok := utils.ParseProviderTime(updatedAt)
		if !ok {
			t.Fatalf("bad updatedAt %q", updatedAt)
		}
		mu.Lock()
		defer mu.Unlock()
		orders = append(orders, stubOrder{
			updatedMs: parsed.UnixMilli(),
			body: map[string]interface{}{
				"id":          id,
				"orderNumber": fmt.Sprintf("P-%d", id),
				"tableName":   "T9",
				"updatedAt":   updatedAt,
				"items": []map[string]interface{}{
					{"name": "Menu", "quantity": "1", "priceWithVat": "150.00"},
				},
				"payments": payments,
			},
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/orders") {
			http.NotFound(w, r)
			return
		}
		var sinceMs int64
		if parts := strings.Split(r.URL.Query().Get("filter"), "|"); len(parts) == 3 {
			sinceMs, _ = strconv.ParseInt(parts[2], 10, 64)
		}
		mu.Lock()
		data := []map[string]interface{}{}
		for _, o := range orders {
			if o.updatedMs >= sinceMs {
				data = append(data, o.body)
			}
		}
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data":     data,
			"page":     1,
			"perPage":  100,
			"total":    len(data),
			"lastPage": 1,
		})
	}))
	defer srv.Close()

	cfg := &models.SyncConfig{
		CloudId:           "cloud-poll",
		ClientId:          "client",
		ClientSecret:      "secret",
		APIBaseURL:        srv.URL,
		OrderStatusFilter: models.OrderStatusFilterOnSite,
		Status:            models.ConfigStatusActive,
	}
	mustCreate(t, db, cfg)
	mustCreate(t, db, &models.OAuthToken{
		ConfigId:    cfg.ID,
		AccessToken: "poll-token",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
		ObtainedAt:  time.Now(),
		Active:      utils.NewTrue(),
	})
	mustCreate(t, db, &models.PaymentMethodMapping{
		ConfigId:  cfg.ID,
		Method:    "cash",
		JournalId: 21,
		IsDefault: utils.NewFalse(),
		Active:    utils.NewTrue(),
	})

	runPoll := func() *models.SyncRun {
		t.Helper()
		fresh, err := models.GetSyncConfig(ctx, db, cfg.ID)
		if err != nil {
			t.Fatalf("reload config: %v", err)
		}
		run := &models.SyncRun{
			ConfigId:    cfg.ID,
			Status:      models.SyncRunStatusQueued,
			TriggeredBy: models.SyncTriggeredManual,
		}
		mustCreate(t, db, run)
		if err := dotysync.RunPoll(ctx, db, fresh, run); err != nil {
			t.Fatalf("RunPoll: %v", err)
		}
		if err := db.Where("id = ?", run.ID).Take(run).Error; err != nil {
			t.Fatalf("reload run: %v", err)
		}
		return run
	}
	watermark := func() *time.Time {
		t.Helper()
		fresh, err := models.GetSyncConfig(ctx, db, cfg.ID)
		if err != nil {
			t.Fatalf("reload config: %v", err)
		}
		return fresh.PollWatermark
	}
	orderRows := func() int64 {
		var n int64
		db.Model(&models.SalesOrder{}).Where("config_id = ?", cfg.ID).Count(&n)
		return n
	}

	cashPayment := []map[string]interface{}{{"id": 91, "method": "cash", "amount": "150.00"}}
	addOrder(6001, "2026-04-01T10:00:00Z", cashPayment)
	addOrder(6002, "2026-04-01T10:05:00Z", []map[string]interface{}{
		{"id": 92, "method": "cash", "amount": "150.00"},
	})

	run1 := runPoll()
	if run1.Status != models.SyncRunStatusSuccess || run1.EventsApplied != 2 {
		t.Fatalf("run1 status=%s applied=%d", run1.Status, run1.EventsApplied)
	}
	wantWm, _ := utils.ParseProviderTime("2026-04-01T10:05:00Z")
	if wm := watermark(); wm == nil || !wm.Equal(wantWm) {
		t.Fatalf("watermark after run1 = %v, want %v", wm, wantWm)
	}
	if n := orderRows(); n != 2 {
		t.Fatalf("orders after run1 = %d", n)
	}

	// a crash before the watermark write replays the window; dedup must hold
	rewound := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	if err := db.Model(&models.SyncConfig{}).Where("id = ?", cfg.ID).
		Update("poll_watermark", rewound).Error; err != nil {
		t.Fatalf("rewind watermark: %v", err)
	}
	run2 := runPoll()
	if run2.Status != models.SyncRunStatusSuccess || run2.EventsCreated != 0 {
		t.Fatalf("re-poll status=%s created=%d", run2.Status, run2.EventsCreated)
	}
	if n := orderRows(); n != 2 {
		t.Fatalf("re-poll duplicated orders, got %d rows", n)
	}
	if wm := watermark(); wm == nil || !wm.Equal(wantWm) {
		t.Fatalf("watermark after re-poll = %v, want %v", wm, wantWm)
	}

	// a permanently failing order settles as failed and must not pin the window
	addOrder(6003, "2026-04-01T10:10:00Z", []map[string]interface{}{
		{"id": 93, "method": "crypto", "amount": "150.00"},
	})
	run3 := runPoll()
	if run3.ErrorCount != 1 {
		t.Fatalf("run3 error count = %d", run3.ErrorCount)
	}
	failed, err := models.FindEvent(ctx, db, cfg.ID, "poll:6003:2026-04-01T10:10:00Z")
	if err != nil || failed == nil {
		t.Fatalf("failed event missing: %v", err)
	}
	if failed.State != models.EventStateFailed {
		t.Fatalf("event state = %s", failed.State)
	}
	wantWm, _ = utils.ParseProviderTime("2026-04-01T10:10:00Z")
	if wm := watermark(); wm == nil || !wm.Equal(wantWm) {
		t.Fatalf("failed event pinned the watermark: %v, want %v", wm, wantWm)
	}

	// an event another worker holds keeps the window open
	addOrder(6004, "2026-04-01T10:15:00Z", cashPayment)
	mustCreate(t, db, &models.SyncEvent{
		ConfigId:   cfg.ID,
		EventId:    "poll:6004:2026-04-01T10:15:00Z",
		EventType:  models.EventTypeUpdated,
		EntityType: models.EntityTypeOrder,
		ExternalId: "6004",
		Source:     models.EventSourcePoll,
		State:      models.EventStateProcessing,
		Attempts:   1,
		ReceivedAt: time.Now(),
	})
	runPoll()
	if wm := watermark(); wm == nil || !wm.Equal(wantWm) {
		t.Fatalf("in-flight event did not hold the watermark: %v, want %v", wm, wantWm)
	}
}

// test plumbing

func setupPipeline(t *testing.T) (*gorm.DB, *models.SyncConfig) {
	t.Helper()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "possync_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	cfg := &models.SyncConfig{
		CloudId:           "cloud-test",
		ClientId:          "client",
		ClientSecret:      "secret",
		APIBaseURL:        "https://api.invalid.test",
		WebhookSecret:     "whsecret",
		OrderStatusFilter: models.OrderStatusFilterOnSite,
		Status:            models.ConfigStatusActive,
	}
	mustCreate(t, db, cfg)
	return db, cfg
}

func mustCreate(t *testing.T, db *gorm.DB, value interface{}) {
	t.Helper()
	if err := db.Create(value).Error; err != nil {
		t.Fatalf("create %T: %v", value, err)
	}
}

func buildOrderEvent(t *testing.T, configId uint, eventId string, payload map[string]interface{}) *models.SyncEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	event := &models.SyncEvent{
		ConfigId:   configId,
		EventId:    eventId,
		EventType:  models.EventTypeUpdated,
		EntityType: models.EntityTypeOrder,
		ExternalId: fmt.Sprintf("%v", payload["id"]),
		Payload:    raw,
		Source:     models.EventSourceWebhook,
		ReceivedAt: time.Now(),
	}
	if ts, ok := payload["updatedAt"].(string); ok {
		if parsed, ok := utils.ParseProviderTime(ts); ok {
			event.ProviderTimestamp = &parsed
		}
	}
	return event
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("possync-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("possync-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=possync_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
