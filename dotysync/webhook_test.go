package dotysync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"bitbucket.org/mmdatafocus/possync_backend/models"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAccepts(t *testing.T) {
	body := []byte(`{"event":"update","entityType":"order","entityId":42}`)
	if err := verifySignature("topsecret", body, sign("topsecret", body)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestVerifySignatureAcceptsPrefixedHeader(t *testing.T) {
	body := []byte(`{}`)
	if err := verifySignature("topsecret", body, "sha256="+sign("topsecret", body)); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
}

func TestVerifySignatureRejects(t *testing.T) {
	body := []byte(`{"event":"update"}`)
	cases := map[string]struct {
		secret    string
		signature string
	}{
		"wrong secret":    {"topsecret", sign("othersecret", body)},
		"tampered body":   {"topsecret", sign("topsecret", []byte(`{"event":"delete"}`))},
		"missing header":  {"topsecret", ""},
		"not hex":         {"topsecret", "zzzz"},
		"no secret setup": {"", sign("topsecret", body)},
	}
	for name, tc := range cases {
		err := verifySignature(tc.secret, body, tc.signature)
		if _, ok := err.(*SignatureError); !ok {
			t.Errorf("%s: expected SignatureError, got %v", name, err)
		}
	}
}

func TestMapWebhookEventType(t *testing.T) {
	cases := map[string]string{
		"create":  models.EventTypeCreated,
		"CREATED": models.EventTypeCreated,
		"update":  models.EventTypeUpdated,
		"delete":  models.EventTypeDeleted,
		"deleted": models.EventTypeDeleted,
		"":        models.EventTypeUpdated,
		"weird":   models.EventTypeUpdated,
	}
	for in, want := range cases {
		if got := mapWebhookEventType(in); got != want {
			t.Errorf("mapWebhookEventType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapWebhookEntityType(t *testing.T) {
	cases := map[string]string{
		"order":    models.EntityTypeOrder,
		"Receipt":  models.EntityTypeOrder,
		"customer": models.EntityTypeCustomer,
		"product":  models.EntityTypeProduct,
		"table":    "",
	}
	for in, want := range cases {
		if got := mapWebhookEntityType(in); got != want {
			t.Errorf("mapWebhookEntityType(%q) = %q, want %q", in, got, want)
		}
	}
}

// SyncConfig hides its secrets from JSON, so the cache wrapper must carry
// them or every cache hit would reject valid signatures.
func TestConfigCacheEntryCarriesSecrets(t *testing.T) {
	cfg := models.SyncConfig{
		ID:            12,
		CloudId:       "cloud-12",
		ClientSecret:  "client-secret",
		WebhookSecret: "hook-secret",
	}
	entry := cachedSyncConfig{Config: cfg, ClientSecret: cfg.ClientSecret, WebhookSecret: cfg.WebhookSecret}

	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded cachedSyncConfig
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Config.ClientSecret != "" || decoded.Config.WebhookSecret != "" {
		t.Fatal("model secrets must not serialize, the wrapper fields own them")
	}
	if decoded.ClientSecret != "client-secret" || decoded.WebhookSecret != "hook-secret" {
		t.Fatalf("wrapper secrets lost: %q %q", decoded.ClientSecret, decoded.WebhookSecret)
	}

	restored := decoded.Config
	restored.ClientSecret = decoded.ClientSecret
	restored.WebhookSecret = decoded.WebhookSecret
	body := []byte(`{"entityId":1}`)
	if err := verifySignature(restored.WebhookSecret, body, sign("hook-secret", body)); err != nil {
		t.Fatalf("restored config rejects a valid signature: %v", err)
	}
}
