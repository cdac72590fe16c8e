package dotysync

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Provider payload shapes. Field names follow the Dotypos API's camelCase
// JSON.

type dotyOrder struct {
	Id             int64             `json:"id"`
	OrderNumber    string            `json:"orderNumber"`
	Type           string            `json:"type"`
	DeliveryMethod string            `json:"deliveryMethod"`
	Location       string            `json:"location"`
	TableName      string            `json:"tableName"`
	CustomerId     *int64            `json:"customerId"`
	Note           string            `json:"note"`
	Items          []dotyOrderItem   `json:"items"`
	Payments       []dotyPaymentLine `json:"payments"`
	TotalWithVat   decimal.Decimal   `json:"totalWithVat"`
	Deleted        bool              `json:"deleted"`
	CreatedAt      string            `json:"createdAt"`
	UpdatedAt      string            `json:"updatedAt"`
}

type dotyOrderItem struct {
	ProductId       *int64          `json:"productId"`
	Name            string          `json:"name"`
	Quantity        decimal.Decimal `json:"quantity"`
	PriceWithVat    decimal.Decimal `json:"priceWithVat"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
}

type dotyPaymentLine struct {
	Id     int64           `json:"id"`
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

type dotyCustomer struct {
	Id          int64  `json:"id"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	CompanyName string `json:"companyName"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Mobile      string `json:"mobile"`
	Street      string `json:"street"`
	HouseNumber string `json:"houseNumber"`
	City        string `json:"city"`
	Zip         string `json:"zip"`
	CountryCode string `json:"countryCode"`
	TaxId       string `json:"taxId"`
	Note        string `json:"note"`
	Deleted     bool   `json:"deleted"`
	UpdatedAt   string `json:"updatedAt"`
}

type dotyProduct struct {
	Id            int64           `json:"id"`
	Name          string          `json:"name"`
	Sku           string          `json:"sku"`
	Barcode       string          `json:"barcode"`
	Description   string          `json:"description"`
	PriceWithVat  decimal.Decimal `json:"priceWithVat"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	Active        *bool           `json:"active"`
	Deleted       bool            `json:"deleted"`
	UpdatedAt     string          `json:"updatedAt"`
}

// webhookEnvelope is the body Dotypos posts to our webhook endpoint.
type webhookEnvelope struct {
	EventId    string          `json:"eventId"`
	Event      string          `json:"event"`
	EntityType string          `json:"entityType"`
	EntityId   int64           `json:"entityId"`
	Timestamp  string          `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

type dotyListPage[T any] struct {
	Data     []T   `json:"data"`
	Page     int   `json:"page"`
	PerPage  int   `json:"perPage"`
	Total    int64 `json:"total"`
	LastPage int   `json:"lastPage"`
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// API request/response DTOs for the management endpoints.

type UpdateSettingsRequest struct {
	SyncCustomers         *bool  `json:"syncCustomers"`
	SyncProducts          *bool  `json:"syncProducts"`
	SyncOrders            *bool  `json:"syncOrders"`
	OrderStatusFilter     string `json:"orderStatusFilter"`
	AutoCreateInvoice     *bool  `json:"autoCreateInvoice"`
	AutoValidateInvoice   *bool  `json:"autoValidateInvoice"`
	AutoReconcilePayments *bool  `json:"autoReconcilePayments"`
	WebhookActive         *bool  `json:"webhookActive"`
}

type StatusResponse struct {
	Status             string  `json:"status"`
	CloudId            string  `json:"cloudId"`
	WebhookActive      bool    `json:"webhookActive"`
	LastSyncAt         *string `json:"lastSyncAt"`
	LastSyncStatus     string  `json:"lastSyncStatus"`
	PollWatermark      *string `json:"pollWatermark"`
	TokenObtainedAt    *string `json:"tokenObtainedAt"`
	TokenLastRefreshAt *string `json:"tokenLastRefreshAt"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	TriggeredBy   string  `json:"triggeredBy"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	EventsCreated int     `json:"eventsCreated"`
	EventsApplied int     `json:"eventsApplied"`
	ErrorCount    int     `json:"errorCount"`
}

type SyncLogResponse struct {
	ID            uint   `json:"id"`
	EventId       string `json:"eventId"`
	EntityType    string `json:"entityType"`
	ExternalId    string `json:"externalId"`
	Operation     string `json:"operation"`
	Status        string `json:"status"`
	Detail        string `json:"detail"`
	CorrelationId string `json:"correlationId"`
	CreatedAt     string `json:"createdAt"`
}

type RetryRequest struct {
	EventIds []string `json:"eventIds"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type syncPubSubPayload struct {
	RunId    uint `json:"run_id"`
	ConfigId uint `json:"config_id"`
}
