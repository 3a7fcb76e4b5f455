package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stead.org/internal/ids"
	"stead.org/internal/obs"
)

// ErrWriteFailed is returned when an entry could not be persisted after all
// retries.
var ErrWriteFailed = errors.New("audit: write failed")

// Recorder appends audit entries for committed mutations.
type Recorder struct {
	store   Store
	retries int
	backoff time.Duration
	now     func() time.Time
}

// Option configures Recorder.
type Option func(*Recorder)

// WithRetries sets how many extra append attempts follow a failure.
func WithRetries(n int) Option {
	return func(r *Recorder) {
		if n >= 0 {
			r.retries = n
		}
	}
}

// WithBackoff sets the initial delay between attempts; it doubles each retry.
func WithBackoff(d time.Duration) Option {
	return func(r *Recorder) {
		if d >= 0 {
			r.backoff = d
		}
	}
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRecorder(store Store, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	r := &Recorder{
		store:   store,
		retries: 3,
		backoff: 50 * time.Millisecond,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record persists entry and returns it with ID and Timestamp filled in.
// The same ID is used across retries.
func (r *Recorder) Record(ctx context.Context, entry Entry) (Entry, error) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}

	delay := r.backoff
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			obs.ObserveAuditWrite("retry")
			select {
			case <-ctx.Done():
				obs.ObserveAuditWrite("failed")
				return Entry{}, fmt.Errorf("%w: %v (last error: %v)", ErrWriteFailed, ctx.Err(), lastErr)
			case <-time.After(delay):
			}
			delay *= 2
		}
		lastErr = r.store.Append(ctx, entry)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		obs.ObserveAuditWrite("failed")
		obs.Error("audit append failed", map[string]any{
			"audit_id":   entry.ID,
			"actor_id":   entry.ActorID,
			"org_id":     entry.OrgID,
			"module":     entry.Module,
			"record_id":  entry.RecordID,
			"action":     string(entry.Action),
			"request_id": RequestIDFromContext(ctx),
			"error":      lastErr.Error(),
		})
		return Entry{}, fmt.Errorf("%w: %v", ErrWriteFailed, lastErr)
	}

	obs.ObserveAuditWrite("ok")
	_ = LogEvent(ctx, "record."+strings.ToLower(string(entry.Action)), map[string]any{
		"audit_id":   entry.ID,
		"module":     entry.Module,
		"record_id":  entry.RecordID,
		"actor_id":   entry.ActorID,
		"actor_type": string(entry.ActorType),
	})
	return entry, nil
}
