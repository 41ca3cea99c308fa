// Package notify delivers operator alerts derived from the event stream.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/observability"
)

// Alert is one operator notification.
type Alert struct {
	Subject  string           `json:"subject"`
	Body     string           `json:"body"`
	Strategy string           `json:"strategy,omitempty"`
	Kind     schema.EventKind `json:"kind"`
	At       time.Time        `json:"at"`
}

// Notifier sends an alert over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

// FromEvent builds the alert for evt.
func FromEvent(evt schema.StreamEvent) Alert {
	subject := fmt.Sprintf("[optflow] %s", evt.Kind)
	if evt.StrategyID != "" {
		subject = fmt.Sprintf("[optflow] %s %s", evt.StrategyID, evt.Kind)
	}
	return Alert{
		Subject:  subject,
		Body:     evt.Summary(),
		Strategy: evt.StrategyID,
		Kind:     evt.Kind,
		At:       evt.At,
	}
}

// Alerter fans alertable events out to every configured notifier.
type Alerter struct {
	notifiers []Notifier
	timeout   time.Duration
	log       observability.Logger
}

// NewAlerter builds an Alerter. Nil notifiers are skipped.
func NewAlerter(logger observability.Logger, notifiers ...Notifier) *Alerter {
	if logger == nil {
		logger = observability.Log()
	}
	a := &Alerter{timeout: 10 * time.Second, log: logger}
	for _, n := range notifiers {
		if n != nil {
			a.notifiers = append(a.notifiers, n)
		}
	}
	return a
}

// Enabled reports whether any channel is configured.
func (a *Alerter) Enabled() bool {
	return len(a.notifiers) > 0
}

// Run sends alerts for events until ctx ends or events closes.
func (a *Alerter) Run(ctx context.Context, events <-chan schema.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !evt.Alertable() {
				continue
			}
			_ = a.Send(ctx, FromEvent(evt))
		}
	}
}

// Send delivers alert on every channel concurrently. Failures are logged
// and returned joined; one failing channel does not stop the others.
func (a *Alerter) Send(ctx context.Context, alert Alert) error {
	if len(a.notifiers) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		failures []error
		wg     conc.WaitGroup
	)
	for _, n := range a.notifiers {
		wg.Go(func() {
			if err := n.Notify(ctx, alert); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", n.Name(), err))
				mu.Unlock()
				return
			}
			a.log.Debug("notify: alert sent", observability.F("channel", n.Name()), observability.F("subject", alert.Subject))
		})
	}
	wg.Wait()
	return observability.AggregateErrors("notify.send", failures, observability.F("subject", alert.Subject))
}
