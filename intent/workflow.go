package intent

import (
	"errors"
	"fmt"

	"paygate/models"
)

// TransitionEvent names a requested change to an intent's status.
type TransitionEvent string

// All transition events accepted by the engine.
const (
	EventSettlementDetected TransitionEvent = "settlement_detected"
	EventConfirm            TransitionEvent = "confirm"
	EventFail               TransitionEvent = "fail"
	EventExpire             TransitionEvent = "expire"
	EventRefund             TransitionEvent = "refund"
)

// ErrStateConflict is returned when an event is not legal from the intent's
// current status. Concurrent producers treat it as a lost race, not a fault.
var ErrStateConflict = errors.New("state conflict")

var transitions = map[TransitionEvent]map[models.IntentStatus]models.IntentStatus{
	EventSettlementDetected: {
		models.StatusCreated: models.StatusPending,
	},
	EventConfirm: {
		models.StatusCreated: models.StatusConfirmed,
		models.StatusPending: models.StatusConfirmed,
	},
	EventFail: {
		models.StatusCreated: models.StatusFailed,
		models.StatusPending: models.StatusFailed,
	},
	EventExpire: {
		models.StatusCreated: models.StatusExpired,
		models.StatusPending: models.StatusExpired,
	},
	EventRefund: {
		models.StatusConfirmed: models.StatusRefunded,
	},
}

// ValidateTransition returns the status an event moves the intent to, or
// ErrStateConflict when the transition is not in the legal graph.
func ValidateTransition(current models.IntentStatus, event TransitionEvent) (models.IntentStatus, error) {
	allowed, ok := transitions[event]
	if !ok {
		return "", fmt.Errorf("unknown transition event %q", event)
	}
	next, ok := allowed[current]
	if !ok {
		return "", fmt.Errorf("%w: %s not permitted from %s", ErrStateConflict, event, current)
	}
	return next, nil
}

// Webhook event types observed by merchants. The payment.* and
// payment.intent.* families both exist for historical reasons; aliases below
// fold the legacy names onto the canonical types emitted per transition.
const (
	TypePaymentCreated   = "payment.created"
	TypePaymentConfirmed = "payment.confirmed"
	TypePaymentSucceeded = "payment.succeeded"
	TypePaymentFailed    = "payment.failed"
	TypePaymentRefunded  = "payment.refunded"

	TypeIntentCreated   = "payment.intent.created"
	TypeIntentPending   = "payment.intent.pending"
	TypeIntentCompleted = "payment.intent.completed"
	TypeIntentFailed    = "payment.intent.failed"
)

var eventTypes = map[TransitionEvent]string{
	EventSettlementDetected: TypeIntentPending,
	EventConfirm:            TypePaymentConfirmed,
	EventFail:               TypePaymentFailed,
	EventExpire:             TypeIntentFailed,
	EventRefund:             TypePaymentRefunded,
}

var typeAliases = map[string]string{
	TypeIntentCreated:    TypePaymentCreated,
	TypePaymentSucceeded: TypePaymentConfirmed,
	TypeIntentCompleted:  TypePaymentConfirmed,
}

// EventTypeFor maps a committed transition to the webhook event type it emits.
func EventTypeFor(event TransitionEvent) string {
	return eventTypes[event]
}

// CanonicalEventType resolves legacy aliases so endpoint subscriptions made
// under either family match the emitted event.
func CanonicalEventType(eventType string) (string, bool) {
	if canonical, ok := typeAliases[eventType]; ok {
		return canonical, true
	}
	switch eventType {
	case TypePaymentCreated, TypePaymentConfirmed, TypePaymentFailed,
		TypePaymentRefunded, TypeIntentPending, TypeIntentFailed:
		return eventType, true
	}
	return "", false
}
