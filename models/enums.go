package models

const (
	ProviderDotypos = "dotypos"
)

const (
	ConfigStatusActive      = "active"
	ConfigStatusNeedsReauth = "needs_reauthorization"
	ConfigStatusDisabled    = "disabled"
)

const (
	OrderStatusFilterOnSite = "on_site"
	OrderStatusFilterAll    = "all"
)

const (
	FulfillmentOnSite   = "on_site"
	FulfillmentTakeaway = "takeaway"
	FulfillmentDelivery = "delivery"
	FulfillmentOther    = "other"
)

const (
	EntityTypeOrder    = "order"
	EntityTypeCustomer = "customer"
	EntityTypeProduct  = "product"
	EntityTypeInvoice  = "invoice"
	EntityTypePayment  = "payment"
)

const (
	EventTypeCreated = "created"
	EventTypeUpdated = "updated"
	EventTypeDeleted = "deleted"
)

const (
	EventSourceWebhook = "webhook"
	EventSourcePoll    = "poll"
)

const (
	EventStatePending     = "pending"
	EventStateProcessing  = "processing"
	EventStateApplied     = "applied"
	EventStateFilteredOut = "filtered_out"
	EventStateFailed      = "failed"
)

const (
	OrderStateDraft     = "draft"
	OrderStateConfirmed = "confirmed"
	OrderStateCancelled = "cancelled"
)

const (
	InvoiceStateDraft     = "draft"
	InvoiceStateValidated = "validated"
	InvoiceStateReversed  = "reversed"
	InvoiceStateCancelled = "cancelled"
)

const (
	PaymentStatePending   = "pending"
	PaymentStatePosted    = "posted"
	PaymentStateFlagged   = "flagged"
	PaymentStateCancelled = "cancelled"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredRetry    = "retry"
)

const (
	LogStatusSuccess = "success"
	LogStatusError   = "error"
	LogStatusSkipped = "skipped"
)
