package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a mock billing provider for testing.
// Simulates provider behavior without calling the Stripe API.
type MockProvider struct {
	// GetSubscriptionFunc allows customizing canonical fetch behavior
	GetSubscriptionFunc func(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CreateCheckoutSessionFunc allows customizing checkout behavior
	CreateCheckoutSessionFunc func(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)

	// ChangeSubscriptionPriceFunc allows customizing plan change behavior
	ChangeSubscriptionPriceFunc func(ctx context.Context, params ChangePriceParams) (*Subscription, error)

	// CancelSubscriptionFunc allows customizing cancel behavior
	CancelSubscriptionFunc func(ctx context.Context, params CancelSubscriptionParams) (*Subscription, error)

	// CreatePortalSessionFunc allows customizing portal behavior
	CreatePortalSessionFunc func(ctx context.Context, params PortalSessionParams) (*PortalSession, error)

	// ParseWebhookEventFunc allows customizing webhook parsing behavior
	ParseWebhookEventFunc func(payload []byte, signature string) (*Event, error)

	// Subscriptions stores canonical subscription states by id
	Subscriptions map[string]*Subscription

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Subscriptions: make(map[string]*Subscription),
		CallLog:       []string{},
	}
}

// Name returns the mock provider name.
func (m *MockProvider) Name() string {
	return "mock"
}

// SetSubscription seeds a canonical subscription state for tests.
func (m *MockProvider) SetSubscription(sub *Subscription) {
	m.Subscriptions[sub.ID] = sub
}

// GetSubscription returns a stored subscription state.
func (m *MockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetSubscription(%s)", subscriptionID))

	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, subscriptionID)
	}

	sub, exists := m.Subscriptions[subscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}

	// Copy so tests mutating the result don't corrupt stored state.
	out := *sub
	return &out, nil
}

// CreateCheckoutSession creates a mock checkout session.
func (m *MockProvider) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateCheckoutSession(%s, %s)", params.UserID, params.PriceID))

	if m.CreateCheckoutSessionFunc != nil {
		return m.CreateCheckoutSessionFunc(ctx, params)
	}

	id := "cs_" + uuid.New().String()[:8]
	return &CheckoutSession{
		ID:        id,
		URL:       "https://checkout.test/" + id,
		CreatedAt: time.Now(),
	}, nil
}

// ChangeSubscriptionPrice updates a stored subscription's price.
func (m *MockProvider) ChangeSubscriptionPrice(ctx context.Context, params ChangePriceParams) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("ChangeSubscriptionPrice(%s, %s)", params.SubscriptionID, params.PriceID))

	if m.ChangeSubscriptionPriceFunc != nil {
		return m.ChangeSubscriptionPriceFunc(ctx, params)
	}

	sub, exists := m.Subscriptions[params.SubscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}

	sub.PriceID = params.PriceID
	out := *sub
	return &out, nil
}

// CancelSubscription cancels a stored subscription.
func (m *MockProvider) CancelSubscription(ctx context.Context, params CancelSubscriptionParams) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CancelSubscription(%s, %v)", params.SubscriptionID, params.CancelAtPeriodEnd))

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, params)
	}

	sub, exists := m.Subscriptions[params.SubscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}

	if params.CancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = "canceled"
	}
	out := *sub
	return &out, nil
}

// CreatePortalSession creates a mock portal session.
func (m *MockProvider) CreatePortalSession(ctx context.Context, params PortalSessionParams) (*PortalSession, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreatePortalSession(%s)", params.CustomerID))

	if m.CreatePortalSessionFunc != nil {
		return m.CreatePortalSessionFunc(ctx, params)
	}

	id := "bps_" + uuid.New().String()[:8]
	return &PortalSession{
		ID:        id,
		URL:       "https://portal.test/" + id,
		CreatedAt: time.Now(),
	}, nil
}

// ParseWebhookEvent decodes the payload directly into an Event. Tests hand
// the mock pre-normalized events as JSON; signature checking is bypassed
// unless ParseWebhookEventFunc is set.
func (m *MockProvider) ParseWebhookEvent(payload []byte, signature string) (*Event, error) {
	m.CallLog = append(m.CallLog, "ParseWebhookEvent")

	if m.ParseWebhookEventFunc != nil {
		return m.ParseWebhookEventFunc(payload, signature)
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, ErrUnparseablePayload
	}
	if event.ID == "" {
		event.ID = "evt_" + uuid.New().String()[:8]
	}
	return &event, nil
}
