package alerts

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"gorm.io/gorm"
)

const (
	defaultDispatchInterval = 30 * time.Second
	dispatchBatchSize       = 50
)

// Notifier delivers one event to a chat platform.
type Notifier interface {
	Name() string
	Send(ctx context.Context, e *models.OpsEvent) error
}

// Dispatcher drains undelivered events to the configured notifiers.
// Delivery is at-least-once: an event is marked delivered only after every
// notifier accepted it, so a partial failure can re-send to platforms that
// already got it.
type Dispatcher struct {
	db        *gorm.DB
	notifiers []Notifier
	interval  time.Duration
}

// NewDispatcher builds a dispatcher. With no notifiers it delivers nowhere
// and Run exits immediately; the event rows remain as the audit trail.
func NewDispatcher(db *gorm.DB, notifiers []Notifier, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	return &Dispatcher{db: db, notifiers: notifiers, interval: interval}
}

// Run loops until the context ends, draining pending events each tick.
func (d *Dispatcher) Run(ctx context.Context, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if len(d.notifiers) == 0 {
		fmt.Fprintf(out, "No alert notifiers configured; events stay in the store only\n")
		return nil
	}

	names := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		names[i] = n.Name()
	}
	fmt.Fprintf(out, "Alert dispatcher starting (%v, every %s)...\n", names, d.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := d.DispatchPending(ctx); err != nil {
			log.Printf("alerts dispatch error: %v", err)
		}

		sleepWithContext(ctx, d.interval)
	}
}

// DispatchPending sends every undelivered event once. Events that any
// notifier rejected stay pending for the next tick.
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	events, err := Pending(d.db, dispatchBatchSize)
	if err != nil {
		return err
	}

	for i := range events {
		e := &events[i]
		delivered := true
		for _, n := range d.notifiers {
			if err := n.Send(ctx, e); err != nil {
				log.Printf("alerts: %s send event %d: %v", n.Name(), e.ID, err)
				delivered = false
			}
		}
		if delivered {
			if err := MarkDelivered(d.db, e.ID); err != nil {
				log.Printf("alerts: %v", err)
			}
		}
	}
	return nil
}

// sleepWithContext sleeps for duration d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
