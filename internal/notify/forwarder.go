package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// EventFatal is the alert type of a halt caused by a fatal error.
const EventFatal = "fatal"

// Subscriber is a lifecycle event source. *events.Stream satisfies it.
type Subscriber interface {
	Subscribe(buffer int) (<-chan domain.LifecycleEvent, func())
}

// Forwarder turns lifecycle events into alerts.
type Forwarder struct {
	source   Subscriber
	notifier *Notifier
	timeout  time.Duration
	logger   *slog.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(source Subscriber, notifier *Notifier, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		source:   source,
		notifier: notifier,
		timeout:  15 * time.Second,
		logger:   logger.With(slog.String("component", "notify_forwarder")),
	}
}

// Run forwards until ctx is done. Delivery failures are logged only.
func (f *Forwarder) Run(ctx context.Context) error {
	ch, cancel := f.source.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			kind := AlertType(ev)
			if !f.notifier.Allows(kind) {
				continue
			}
			title, msg := Format(ev)
			sctx, done := context.WithTimeout(ctx, f.timeout)
			if err := f.notifier.Notify(sctx, kind, title, msg); err != nil {
				f.logger.Warn("notify: alert not delivered", slog.String("event", kind), slog.String("error", err.Error()))
			}
			done()
		}
	}
}

// AlertType maps a lifecycle event to its alert filter name.
func AlertType(ev domain.LifecycleEvent) string {
	if ev.Type == domain.EventHalted && strings.HasPrefix(ev.Reason, "fatal") {
		return EventFatal
	}
	return string(ev.Type)
}

// Format renders an event as a title and message body.
func Format(ev domain.LifecycleEvent) (string, string) {
	var title string
	switch AlertType(ev) {
	case EventFatal:
		title = "MEV engine: fatal error, trading halted"
	case string(domain.EventHalted):
		title = "MEV engine: trading halted"
	case string(domain.EventResumed):
		title = "MEV engine: trading resumed"
	case string(domain.EventLimits):
		title = "MEV engine: risk limits updated"
	default:
		title = "MEV engine: " + string(ev.Type)
	}

	var b strings.Builder
	if ev.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", ev.Reason)
	}
	if ev.OpportunityID != "" {
		fmt.Fprintf(&b, "opportunity: %s (chain %d)\n", ev.OpportunityID, ev.ChainID)
	}
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, ev.Detail[k])
	}
	fmt.Fprintf(&b, "at: %s", ev.At.UTC().Format(time.RFC3339))
	return title, b.String()
}
