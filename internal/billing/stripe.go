package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/subsync-io/subsync/internal/telemetry"
)

// Every provider call is bounded; a hung call becomes a transient failure
// and the provider's redelivery covers recovery.
const callTimeout = 30 * time.Second

// StripeProvider implements Provider using Stripe.
type StripeProvider struct {
	client        *stripe.Client
	webhookSecret string
}

// NewStripeProvider creates a new Stripe billing provider.
func NewStripeProvider(apiKey, webhookSecret string) (*StripeProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrInvalidAPIKey
	}

	return &StripeProvider{
		client:        stripe.NewClient(apiKey),
		webhookSecret: strings.TrimSpace(webhookSecret),
	}, nil
}

// Name returns the provider name.
func (s *StripeProvider) Name() string {
	return "stripe"
}

// GetSubscription retrieves the canonical subscription state from Stripe.
func (s *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	defer observeLatency("get_subscription", time.Now())

	sub, err := s.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, wrapStripeError(err, ErrSubscriptionNotFound)
	}

	return fromStripeSubscription(sub), nil
}

// CreateCheckoutSession starts a hosted subscription checkout. The user id
// is stamped into both the session metadata and the subscription metadata
// so webhook events can be linked before the customer id is stored locally.
func (s *StripeProvider) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	defer observeLatency("create_checkout_session", time.Now())

	createParams := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
	}

	createParams.AddMetadata("user_id", params.UserID)
	createParams.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	createParams.SubscriptionData.AddMetadata("user_id", params.UserID)

	if params.CustomerID != "" {
		createParams.Customer = stripe.String(params.CustomerID)
	} else {
		createParams.ClientReferenceID = stripe.String(params.UserID)
		createParams.CustomerCreation = stripe.String("always")
		if params.CustomerEmail != "" {
			createParams.CustomerEmail = stripe.String(params.CustomerEmail)
		}
	}

	if params.IdempotencyKey != "" {
		createParams.IdempotencyKey = stripe.String(params.IdempotencyKey)
	}

	session, err := s.client.V1CheckoutSessions.Create(ctx, createParams)
	if err != nil {
		return nil, wrapStripeError(err, nil)
	}

	return &CheckoutSession{
		ID:        session.ID,
		URL:       session.URL,
		CreatedAt: time.Unix(session.Created, 0),
	}, nil
}

// ChangeSubscriptionPrice moves the subscription's single item to a new
// price. Stripe prorates by default.
func (s *StripeProvider) ChangeSubscriptionPrice(ctx context.Context, params ChangePriceParams) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	defer observeLatency("change_subscription_price", time.Now())

	sub, err := s.client.V1Subscriptions.Retrieve(ctx, params.SubscriptionID, nil)
	if err != nil {
		return nil, wrapStripeError(err, ErrSubscriptionNotFound)
	}

	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, &StripeError{Message: "subscription has no items", Code: "invalid_subscription"}
	}

	updateParams := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(sub.Items.Data[0].ID),
				Price: stripe.String(params.PriceID),
			},
		},
	}

	updated, err := s.client.V1Subscriptions.Update(ctx, params.SubscriptionID, updateParams)
	if err != nil {
		return nil, wrapStripeError(err, ErrSubscriptionNotFound)
	}

	return fromStripeSubscription(updated), nil
}

// CancelSubscription cancels at period end by default, or immediately.
func (s *StripeProvider) CancelSubscription(ctx context.Context, params CancelSubscriptionParams) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	defer observeLatency("cancel_subscription", time.Now())

	if params.CancelAtPeriodEnd {
		updateParams := &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		sub, err := s.client.V1Subscriptions.Update(ctx, params.SubscriptionID, updateParams)
		if err != nil {
			return nil, wrapStripeError(err, ErrSubscriptionNotFound)
		}
		return fromStripeSubscription(sub), nil
	}

	sub, err := s.client.V1Subscriptions.Cancel(ctx, params.SubscriptionID, nil)
	if err != nil {
		return nil, wrapStripeError(err, ErrSubscriptionNotFound)
	}
	return fromStripeSubscription(sub), nil
}

// CreatePortalSession creates a Stripe Customer Portal session.
func (s *StripeProvider) CreatePortalSession(ctx context.Context, params PortalSessionParams) (*PortalSession, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	defer observeLatency("create_portal_session", time.Now())

	createParams := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(params.CustomerID),
		ReturnURL: stripe.String(params.ReturnURL),
	}

	session, err := s.client.V1BillingPortalSessions.Create(ctx, createParams)
	if err != nil {
		return nil, wrapStripeError(err, ErrCustomerNotFound)
	}

	return &PortalSession{
		ID:        session.ID,
		URL:       session.URL,
		CreatedAt: time.Unix(session.Created, 0),
	}, nil
}

// ParseWebhookEvent verifies the Stripe-Signature header and normalizes the
// event. The payload's embedded object state is used only to extract
// identifiers, never as subscription state.
func (s *StripeProvider) ParseWebhookEvent(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		if isSignatureError(err) {
			return nil, ErrInvalidSignature
		}
		return nil, ErrUnparseablePayload
	}

	normalized := &Event{
		ID:           event.ID,
		ProviderType: string(event.Type),
		CreatedAt:    time.Unix(event.Created, 0),
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, ErrUnparseablePayload
		}
		if session.Subscription == nil || session.Subscription.ID == "" {
			// One-time payment checkout, nothing to reconcile.
			normalized.Kind = EventIgnored
			return normalized, nil
		}
		normalized.Kind = EventCheckoutCompleted
		normalized.SubscriptionID = session.Subscription.ID
		if session.Customer != nil {
			normalized.CustomerID = session.Customer.ID
		}
		if session.Metadata != nil {
			normalized.UserIDHint = session.Metadata["user_id"]
		}
		if normalized.UserIDHint == "" {
			normalized.UserIDHint = session.ClientReferenceID
		}

	case "invoice.payment_succeeded", "invoice.paid":
		subID, customerID, err := invoiceRefs(event.Data.Raw)
		if err != nil {
			return nil, ErrUnparseablePayload
		}
		if subID == "" {
			// Invoice unrelated to a subscription.
			normalized.Kind = EventIgnored
			return normalized, nil
		}
		normalized.Kind = EventInvoiceSettled
		normalized.SubscriptionID = subID
		normalized.CustomerID = customerID

	case "invoice.payment_failed":
		subID, customerID, err := invoiceRefs(event.Data.Raw)
		if err != nil {
			return nil, ErrUnparseablePayload
		}
		if subID == "" {
			normalized.Kind = EventIgnored
			return normalized, nil
		}
		// A failed payment moves the subscription to past_due; the
		// canonical refetch picks that up.
		normalized.Kind = EventSubscriptionChanged
		normalized.SubscriptionID = subID
		normalized.CustomerID = customerID

	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, ErrUnparseablePayload
		}
		normalized.Kind = EventSubscriptionChanged
		normalized.SubscriptionID = sub.ID
		if sub.Customer != nil {
			normalized.CustomerID = sub.Customer.ID
		}
		if sub.Metadata != nil {
			normalized.UserIDHint = sub.Metadata["user_id"]
		}

	default:
		normalized.Kind = EventIgnored
	}

	return normalized, nil
}

// fromStripeSubscription reduces a Stripe subscription to the fields the
// reconciler needs. The current period end lives on the subscription item
// in recent API versions.
func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
		CreatedAt:         time.Unix(sub.Created, 0),
	}

	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodEnd > 0 {
			end := time.Unix(item.CurrentPeriodEnd, 0)
			out.CurrentPeriodEnd = &end
		}
	}

	return out
}

// invoiceRefs extracts the subscription and customer ids from a raw invoice
// payload. The subscription reference has moved around across API versions
// (top-level string or object, then under parent.subscription_details), so
// all shapes are checked.
func invoiceRefs(raw json.RawMessage) (subscriptionID, customerID string, err error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", "", err
	}

	subscriptionID = refID(data["subscription"])
	if subscriptionID == "" {
		if parent, ok := data["parent"].(map[string]interface{}); ok {
			if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
				subscriptionID = refID(details["subscription"])
			}
		}
	}

	customerID = refID(data["customer"])
	return subscriptionID, customerID, nil
}

// refID reads an expandable reference: either a plain id string or an
// object carrying an "id" field.
func refID(v interface{}) string {
	switch ref := v.(type) {
	case string:
		return ref
	case map[string]interface{}:
		if id, ok := ref["id"].(string); ok {
			return id
		}
	}
	return ""
}

// observeLatency records one provider call duration when metrics are up.
func observeLatency(operation string, start time.Time) {
	if telemetry.Business != nil {
		telemetry.Business.ProviderAPILatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// isSignatureError distinguishes signature verification failures from
// payload decode failures.
func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// wrapStripeError converts a Stripe SDK error into a StripeError, mapping
// resource_missing onto the provided sentinel when given.
func wrapStripeError(err error, notFound error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if notFound != nil && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return notFound
		}
		return &StripeError{
			Message:       stripeErr.Msg,
			Code:          string(stripeErr.Code),
			HTTPStatus:    stripeErr.HTTPStatusCode,
			RequestID:     stripeErr.RequestID,
			OriginalError: err,
		}
	}

	// Network-level failures never reach Stripe; treat as transient.
	return &StripeError{
		Message:       err.Error(),
		Code:          "api_connection_error",
		OriginalError: err,
	}
}
