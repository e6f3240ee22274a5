// Package delivery drains the durable delivery queue: each row is one
// signed POST at one remote inbox, retried with exponential backoff
// until it lands or the remote proves it never will.
package delivery

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
)

const (
	pollInterval = 5 * time.Second
	batchSize    = 50
	concurrency  = 10
	maxAttempts  = 10
	baseBackoff  = 30 * time.Second
	maxBackoff   = 6 * time.Hour
)

// Deliverer posts one signed activity body to one inbox. The returned
// status is 0 when the request never reached the remote.
type Deliverer interface {
	Deliver(ctx context.Context, inbox string, body []byte) (int, error)
}

// Worker polls the deliveries table and fans due rows out over a
// bounded set of goroutines.
type Worker struct {
	store  *db.Store
	client Deliverer
}

// NewWorker wires a Worker onto the store and delivery client.
func NewWorker(store *db.Store, client Deliverer) *Worker {
	return &Worker{store: store, client: client}
}

// Run polls until ctx is cancelled. In-flight deliveries finish; rows
// still queued survive the restart.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain processes every currently due delivery.
func (w *Worker) drain(ctx context.Context) {
	for {
		due, err := w.store.DueDeliveries(time.Now(), batchSize)
		if err != nil {
			slog.Error("load due deliveries", "error", err)
			return
		}
		if len(due) == 0 {
			return
		}

		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		for i := range due {
			d := due[i]
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.attempt(ctx, &d)
			}()
		}
		wg.Wait()

		if len(due) < batchSize || ctx.Err() != nil {
			return
		}
	}
}

// attempt runs one delivery and decides its fate: done, retry later,
// or dropped as undeliverable.
func (w *Worker) attempt(ctx context.Context, d *model.Delivery) {
	status, err := w.client.Deliver(ctx, d.InboxURL, []byte(d.Payload))
	if err == nil {
		if derr := w.store.DeleteDelivery(d.ID); derr != nil {
			slog.Error("finish delivery", "id", model.IDString(d.ID), "error", derr)
		}
		return
	}
	if ctx.Err() != nil {
		return // shutdown, not a verdict; the row stays due
	}

	if terminal(status) {
		slog.Warn("dropping undeliverable activity", "inbox", d.InboxURL, "status", status)
		if derr := w.store.DeleteDelivery(d.ID); derr != nil {
			slog.Error("drop delivery", "id", model.IDString(d.ID), "error", derr)
		}
		return
	}

	attempts := d.Attempts + 1
	if attempts >= maxAttempts {
		slog.Warn("giving up on delivery", "inbox", d.InboxURL, "attempts", attempts, "error", err)
		if derr := w.store.DeleteDelivery(d.ID); derr != nil {
			slog.Error("drop delivery", "id", model.IDString(d.ID), "error", derr)
		}
		return
	}

	next := time.Now().Add(backoff(attempts))
	slog.Info("delivery failed, retrying", "inbox", d.InboxURL, "attempts", attempts,
		"next", next.Format(time.RFC3339), "error", err)
	if rerr := w.store.RescheduleDelivery(d.ID, attempts, next); rerr != nil {
		slog.Error("reschedule delivery", "id", model.IDString(d.ID), "error", rerr)
	}
}

// terminal reports whether a response status proves the delivery can
// never succeed. Timeouts and rate limits stay retryable.
func terminal(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// backoff doubles per attempt from baseBackoff up to maxBackoff.
func backoff(attempts int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
