// Package webhooks delivers lifecycle events to user-registered HTTP endpoints.
//
// Users subscribe a URL to some or all event types. The Dispatcher is an
// events.Sink: each event addressed to a user is POSTed, HMAC-SHA256 signed,
// to every matching active subscription of that user.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/retry"
	"github.com/mbd888/milepay/internal/security"
)

// Collection holds subscriptions in the ledger store.
const Collection = "webhook_subscriptions"

// MaxConsecutiveFailures deactivates a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// Signature headers sent with every delivery.
const (
	HeaderEvent     = "X-Milepay-Event"
	HeaderDelivery  = "X-Milepay-Delivery"
	HeaderTimestamp = "X-Milepay-Timestamp"
	HeaderSignature = "X-Milepay-Signature"
)

var ErrSubscriptionNotFound = apperr.New(apperr.NotFound, "webhook not found")

// Subscription is one registered endpoint.
type Subscription struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	URL    string `json:"url"`
	// Secret signs deliveries. It is stored but only shown once, at creation.
	Secret string        `json:"secret"`
	Events []events.Type `json:"events"`
	Active bool          `json:"active"`
	// Deleted subscriptions are kept for audit but never delivered to.
	Deleted             bool       `json:"deleted,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
// An empty event list subscribes to everything.
func (s *Subscription) Wants(t events.Type) bool {
	if !s.Active || s.Deleted {
		return false
	}
	return len(s.Events) == 0 || slices.Contains(s.Events, t)
}

// Store persists subscriptions in the ledger store.
type Store struct {
	docs docstore.Store
}

// NewStore creates a subscription store.
func NewStore(docs docstore.Store) *Store {
	return &Store{docs: docs}
}

// Create inserts a new subscription.
func (s *Store) Create(ctx context.Context, sub *Subscription) error {
	return s.docs.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Insert(Collection, sub.ID, sub)
	})
}

// Get returns a subscription, deleted ones included.
func (s *Store) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := docstore.GetAs[Subscription](ctx, s.docs, Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

// ListForUser returns the user's live subscriptions, oldest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Subscription, error) {
	subs, err := docstore.FindAs[Subscription](ctx, s.docs, docstore.Query{
		Collection: Collection,
		Filters:    []docstore.Filter{docstore.Where("userId", userID)},
	})
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(subs, func(s *Subscription) bool { return s.Deleted }), nil
}

// Modify applies fn to the stored subscription in a transaction.
func (s *Store) Modify(ctx context.Context, id string, fn func(*Subscription) error) (*Subscription, error) {
	var out *Subscription
	err := s.docs.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		sub, err := docstore.GetAs[Subscription](ctx, tx, Collection, id)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(sub); err != nil {
			return err
		}
		out = sub
		return tx.Update(Collection, id, sub)
	})
	return out, err
}

// Delete marks a user's subscription deleted.
func (s *Store) Delete(ctx context.Context, id, userID string) error {
	_, err := s.Modify(ctx, id, func(sub *Subscription) error {
		if sub.UserID != userID || sub.Deleted {
			return ErrSubscriptionNotFound
		}
		sub.Deleted = true
		sub.Active = false
		return nil
	})
	return err
}

// Delivery is the JSON body POSTed to subscribers.
type Delivery struct {
	ID    string       `json:"id"`
	Event events.Event `json:"event"`
}

// Dispatcher sends events to subscribers. It implements events.Sink.
type Dispatcher struct {
	store  *Store
	client *http.Client
	logger *slog.Logger
	policy retry.Policy
	now    func() time.Time

	// urlValidator guards against requests to internal addresses. It is
	// checked at delivery time as well as at registration, since DNS can
	// change in between.
	urlValidator func(string) error
}

var _ events.Sink = (*Dispatcher)(nil)

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store *Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:       slog.Default(),
		policy:       retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		now:          time.Now,
		urlValidator: security.ValidateEndpointURL,
	}
}

// WithLogger sets the dispatcher's logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	d.logger = l
	return d
}

// WithEndpointPolicy replaces the subscriber URL policy.
func (d *Dispatcher) WithEndpointPolicy(p security.EndpointPolicy) *Dispatcher {
	d.urlValidator = p.Validator()
	return d
}

// WithRetry overrides the per-delivery retry policy.
func (d *Dispatcher) WithRetry(attempts int, base time.Duration) *Dispatcher {
	d.policy = retry.Policy{MaxAttempts: attempts, BaseDelay: base, MaxDelay: 5 * time.Second}
	return d
}

// Name implements events.Sink.
func (d *Dispatcher) Name() string { return "webhooks" }

// Publish implements events.Sink. It delivers to every matching
// subscription of the event's user and returns the joined failures.
func (d *Dispatcher) Publish(ctx context.Context, e events.Event) error {
	if e.UserID == "" {
		return nil
	}
	subs, err := d.store.ListForUser(ctx, e.UserID)
	if err != nil {
		return fmt.Errorf("webhooks: list subscriptions: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		if !sub.Wants(e.Type) {
			continue
		}
		if err := d.send(ctx, sub, e); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, e events.Event) error {
	payload, err := json.Marshal(Delivery{ID: e.ID, Event: e})
	if err != nil {
		return err
	}

	start := d.now()
	err = d.policy.Do(ctx, func() error {
		return d.post(ctx, sub, e, payload)
	})
	deliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		deliveries.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub.ID, err)
		return err
	}
	deliveries.WithLabelValues("delivered").Inc()
	d.recordSuccess(ctx, sub.ID)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, e events.Event, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(fmt.Errorf("blocked url: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(e.Type))
	req.Header.Set(HeaderDelivery, e.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload" under secret.
// Receivers recompute it to authenticate a delivery.
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, payload)), []byte(signature))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, id string) {
	now := d.now().UTC()
	_, err := d.store.Modify(ctx, id, func(sub *Subscription) error {
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return nil
	})
	if err != nil {
		d.logger.Warn("webhook status update failed", "webhook", id, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, id string, cause error) {
	sub, err := d.store.Modify(ctx, id, func(sub *Subscription) error {
		sub.LastError = cause.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
			sub.Active = false
		}
		return nil
	})
	if err != nil {
		d.logger.Warn("webhook status update failed", "webhook", id, "error", err)
		return
	}
	if !sub.Active {
		deactivations.Inc()
		d.logger.Warn("webhook deactivated after repeated failures", "webhook", id, "user", sub.UserID)
	}
}
