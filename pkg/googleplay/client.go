// Package googleplay implements goverify.ProviderClient against the Google Play
// Developer API (purchases.subscriptionsv2).
package googleplay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

const (
	defaultTimeout      = 8 * time.Second
	defaultRetryBackoff = 200 * time.Millisecond
)

// Subscription states reported by subscriptionsv2.
const (
	StateActive        = "SUBSCRIPTION_STATE_ACTIVE"
	StateCanceled      = "SUBSCRIPTION_STATE_CANCELED"
	StateInGracePeriod = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
	StateOnHold        = "SUBSCRIPTION_STATE_ON_HOLD"
	StatePaused        = "SUBSCRIPTION_STATE_PAUSED"
	StateExpired       = "SUBSCRIPTION_STATE_EXPIRED"
	StatePending       = "SUBSCRIPTION_STATE_PENDING"
)

var (
	// ErrNoCredentials is returned when neither a service nor credentials are configured
	ErrNoCredentials = errors.New("googleplay: service account credentials are required")
)

// Config configures the Google Play client.
type Config struct {
	// CredentialsJSON is the service account key. Ignored when Service is set.
	CredentialsJSON []byte

	// ClientOptions are appended to the options used to build the service,
	// e.g. option.WithEndpoint for tests.
	ClientOptions []option.ClientOption

	// Service replaces the client built from credentials.
	Service *androidpublisher.Service

	// Timeout bounds each attempt.
	Timeout time.Duration

	// Retries is the number of extra attempts after a transient failure.
	Retries int

	// RetryBackoff is the wait before the first retry; it doubles per attempt.
	RetryBackoff time.Duration

	// Logger is used for structured logging. Defaults to NoopLogger.
	Logger goverify.Logger
}

// Client fetches subscriptions from Google Play.
type Client struct {
	service      *androidpublisher.Service
	timeout      time.Duration
	retries      int
	retryBackoff time.Duration
	logger       goverify.Logger
}

// New creates a Google Play client.
func New(ctx context.Context, config Config) (*Client, error) {
	service := config.Service
	if service == nil {
		opts := make([]option.ClientOption, 0, len(config.ClientOptions)+2)
		if len(config.CredentialsJSON) > 0 {
			opts = append(opts,
				option.WithCredentialsJSON(config.CredentialsJSON),
				option.WithScopes(androidpublisher.AndroidpublisherScope))
		} else if len(config.ClientOptions) == 0 {
			return nil, ErrNoCredentials
		}
		opts = append(opts, config.ClientOptions...)

		var err error
		service, err = androidpublisher.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("googleplay: create service: %w", err)
		}
	}

	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}
	if config.Logger == nil {
		config.Logger = &goverify.NoopLogger{}
	}

	return &Client{
		service:      service,
		timeout:      config.Timeout,
		retries:      config.Retries,
		retryBackoff: config.RetryBackoff,
		logger:       config.Logger,
	}, nil
}

// CallBudget is the longest FetchSubscription can take when every attempt times out.
// Use it as goverify.Config.ProviderTimeout so the engine does not cut retries short.
func (c *Client) CallBudget() time.Duration {
	budget := c.timeout * time.Duration(c.retries+1)
	backoff := c.retryBackoff
	for i := 0; i < c.retries; i++ {
		budget += backoff
		backoff *= 2
	}
	return budget
}

// FetchSubscription implements goverify.ProviderClient.
func (c *Client) FetchSubscription(
	ctx context.Context, packageName, subscriptionID, purchaseToken string,
) (*goverify.RawRecord, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying google play request",
				goverify.Field{Key: "attempt", Value: attempt},
				goverify.Field{Key: "error", Value: lastErr.Error()})
			select {
			case <-ctx.Done():
				return nil, classify(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		purchase, err := c.get(ctx, packageName, purchaseToken)
		if err == nil {
			return toRawRecord(purchase, subscriptionID)
		}

		lastErr = classify(err)
		if goverify.ClassifyProviderError(lastErr) != goverify.ProviderErrorTransient {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *Client) get(ctx context.Context, packageName, purchaseToken string) (*androidpublisher.SubscriptionPurchaseV2, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.service.Purchases.Subscriptionsv2.Get(packageName, purchaseToken).Context(attemptCtx).Do()
}

// classify maps an API or transport error to a goverify.ProviderError.
// Transport errors carry the request URL, which holds the purchase token, so only their cause is kept.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &goverify.ProviderError{
			Class:      classForStatus(apiErr.Code),
			StatusCode: apiErr.Code,
			Err:        fmt.Errorf("google play: %s", apiErrorMessage(apiErr)),
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &goverify.ProviderError{Class: goverify.ProviderErrorTransient, Err: fmt.Errorf("google play timeout: %w", err)}
	case errors.Is(err, context.Canceled):
		return &goverify.ProviderError{Class: goverify.ProviderErrorTransient, Err: err}
	case errors.As(err, &netErr):
		return &goverify.ProviderError{Class: goverify.ProviderErrorTransient, Err: fmt.Errorf("google play transport: %w", err)}
	default:
		return &goverify.ProviderError{Class: goverify.ProviderErrorTransient, Err: fmt.Errorf("google play: %w", err)}
	}
}

func classForStatus(code int) goverify.ProviderErrorClass {
	switch {
	case code == http.StatusBadRequest, code == http.StatusNotFound, code == http.StatusGone:
		return goverify.ProviderErrorPermanent
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return goverify.ProviderErrorTransient
	default:
		return goverify.ProviderErrorUpstream
	}
}

func apiErrorMessage(err *googleapi.Error) string {
	if err.Message != "" {
		return fmt.Sprintf("%d %s", err.Code, err.Message)
	}
	return fmt.Sprintf("%d %s", err.Code, http.StatusText(err.Code))
}

// toRawRecord reduces a subscriptionsv2 purchase to the facts the status mapper needs,
// using the line item whose product matches subscriptionID.
func toRawRecord(p *androidpublisher.SubscriptionPurchaseV2, subscriptionID string) (*goverify.RawRecord, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, &goverify.ProviderError{
			Class: goverify.ProviderErrorTransient,
			Err:   fmt.Errorf("google play: encode response: %w", err),
		}
	}
	rec := &goverify.RawRecord{Raw: raw}

	line := matchLineItem(p.LineItems, subscriptionID)
	if line == nil {
		return rec, nil
	}

	rec.ExpiryTimeMs = parseTimeMs(line.ExpiryTime)
	rec.AutoRenewing = line.AutoRenewingPlan != nil && line.AutoRenewingPlan.AutoRenewEnabled

	switch p.SubscriptionState {
	case StateActive:
		rec.InGoodStanding = true
		rec.Trial = isTrialOffer(line.OfferDetails)
	case StateCanceled:
		// A canceled trial keeps access until expiry but is reported as canceled.
		rec.Canceled = true
		rec.TrialOffer = isTrialOffer(line.OfferDetails)
	case StateInGracePeriod, StateOnHold, StatePaused:
		rec.OnHold = true
	case StateExpired:
		rec.Expired = true
	}
	return rec, nil
}

func matchLineItem(items []*androidpublisher.SubscriptionPurchaseLineItem, productID string) *androidpublisher.SubscriptionPurchaseLineItem {
	for _, item := range items {
		if item != nil && item.ProductId == productID {
			return item
		}
	}
	return nil
}

func isTrialOffer(offer *androidpublisher.OfferDetails) bool {
	if offer == nil {
		return false
	}
	if containsTrialMarker(offer.OfferId) {
		return true
	}
	for _, tag := range offer.OfferTags {
		if containsTrialMarker(tag) {
			return true
		}
	}
	return false
}

func containsTrialMarker(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "trial") || strings.Contains(s, "intro")
}

func parseTimeMs(value string) int64 {
	if value == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
