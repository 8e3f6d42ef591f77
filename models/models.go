package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IntentStatus represents a state in the payment intent lifecycle.
type IntentStatus string

// All lifecycle states.
const (
	StatusCreated   IntentStatus = "created"
	StatusPending   IntentStatus = "pending"
	StatusConfirmed IntentStatus = "confirmed"
	StatusFailed    IntentStatus = "failed"
	StatusRefunded  IntentStatus = "refunded"
	StatusExpired   IntentStatus = "expired"
)

// Terminal reports whether no further transition is legal from the status,
// refunds excepted.
func (s IntentStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusRefunded, StatusExpired:
		return true
	default:
		return false
	}
}

// Settlement currencies accepted by the gateway.
const (
	SettlementUSDC = "USDC"
	SettlementUSDT = "USDT"
	SettlementDAI  = "DAI"
)

// PaymentIntent is the canonical record of a merchant's request to be paid.
// Rows are never deleted; terminal intents are retained for audit.
type PaymentIntent struct {
	ID                 uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID         uuid.UUID    `gorm:"type:uuid;index;not null" json:"merchantId"`
	Amount             string       `gorm:"size:64;not null" json:"amount"`
	Currency           string       `gorm:"size:16;not null" json:"currency"`
	SettlementCurrency string       `gorm:"size:16;not null" json:"settlementCurrency"`
	Status             IntentStatus `gorm:"size:16;index;not null" json:"status"`
	PayerWallet        string       `gorm:"size:128" json:"payerWallet,omitempty"`
	MerchantWallet     string       `gorm:"size:128" json:"merchantWallet,omitempty"`
	TxHash             string       `gorm:"size:128" json:"txHash,omitempty"`
	IdempotencyKey     string       `gorm:"size:128" json:"idempotencyKey,omitempty"`
	IsTest             bool         `json:"isTest"`
	ExpiresAt          *time.Time   `gorm:"index" json:"expiresAt,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// Merchant supplies credentials and a settlement wallet. The lifecycle engine
// reads merchants but never mutates them.
type Merchant struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name          string    `gorm:"size:128"`
	APIKey        string    `gorm:"size:128;uniqueIndex;not null"`
	APISecret     string    `gorm:"size:128;not null"`
	WebhookSecret string    `gorm:"size:128;not null"`
	WalletAddress string    `gorm:"size:128"`
	CreatedAt     time.Time
}

// WebhookEndpoint is a merchant-registered delivery target for one event type.
type WebhookEndpoint struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID uuid.UUID `gorm:"type:uuid;index;not null" json:"merchantId"`
	EventType  string    `gorm:"size:64;index;not null" json:"eventType"`
	URL        string    `gorm:"size:512;not null" json:"url"`
	RateLimit  int       `gorm:"not null;default:60" json:"rateLimit"`
	Active     bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Event is one append-only log row per committed transition. Sequence numbers
// order events causally within an intent and across a merchant.
type Event struct {
	Sequence   int64     `gorm:"primaryKey;autoIncrement" json:"sequence"`
	IntentID   uuid.UUID `gorm:"type:uuid;index;not null" json:"intentId"`
	MerchantID uuid.UUID `gorm:"type:uuid;index;not null" json:"merchantId"`
	Type       string    `gorm:"size:64;index;not null" json:"type"`
	Data       string    `gorm:"type:text;not null" json:"data"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Delivery statuses for webhook dispatch.
const (
	DeliveryPending   = "pending"
	DeliverySucceeded = "succeeded"
	DeliveryDead      = "dead"
)

// WebhookDelivery tracks one event bound for one endpoint. The row is written
// in the same transaction as the transition that produced the event, so no
// delivery is lost between intent commit and dispatch.
type WebhookDelivery struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	EndpointID    uuid.UUID `gorm:"type:uuid;index;not null"`
	MerchantID    uuid.UUID `gorm:"type:uuid;index;not null"`
	IntentID      uuid.UUID `gorm:"type:uuid;index;not null"`
	EventSequence int64     `gorm:"index;not null"`
	Status        string    `gorm:"size:16;index;not null"`
	Attempts      int       `gorm:"not null"`
	NextAttemptAt time.Time `gorm:"index"`
	LastError     string    `gorm:"size:512"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeliveryAttempt records the outcome of a single POST for audit.
type DeliveryAttempt struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	DeliveryID    uuid.UUID `gorm:"type:uuid;index;not null"`
	EventSequence int64     `gorm:"not null"`
	Attempt       int       `gorm:"not null"`
	Status        string    `gorm:"size:16;not null"`
	Error         string    `gorm:"size:512"`
	CreatedAt     time.Time
}

// IdempotencyClaim reserves a (merchant, key) pair ahead of intent creation.
// The claim row is durable before the intent row exists, so concurrent
// duplicates race on the primary key instead of on the intent itself.
type IdempotencyClaim struct {
	MerchantID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key         string    `gorm:"size:128;primaryKey"`
	RequestHash string    `gorm:"size:64;not null"`
	IntentID    uuid.UUID `gorm:"type:uuid"`
	CreatedAt   time.Time
}

// ExpectedPayment pre-registers the on-chain settlement an intent is waiting
// for. Confirmation ingress correlates by reference, never by amount alone.
type ExpectedPayment struct {
	IntentID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	MerchantID       uuid.UUID `gorm:"type:uuid;index;not null"`
	ChainID          uint64    `gorm:"not null"`
	Asset            string    `gorm:"size:16;not null"`
	Reference        string    `gorm:"size:128;uniqueIndex;not null"`
	Amount           string    `gorm:"size:64;not null"`
	MinConfirmations int       `gorm:"not null"`
	CreatedAt        time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Merchant{},
		&PaymentIntent{},
		&WebhookEndpoint{},
		&Event{},
		&WebhookDelivery{},
		&DeliveryAttempt{},
		&IdempotencyClaim{},
		&ExpectedPayment{},
	)
}
