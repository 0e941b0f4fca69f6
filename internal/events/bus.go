// Package events delivers tick reports to optional observers.
// Observers are strictly one-way: the engine never consults them for
// decisions, so a misbehaving observer cannot affect execution.
package events

import (
	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/domain"
)

// Observer receives every tick report after the tick body completes.
// Analytics, notification, and reporting layers hang off this
// interface.
type Observer interface {
	Observe(report domain.TickReport)
}

// Bus fans tick reports out to subscribed observers.
type Bus struct {
	observers []Observer
	log       zerolog.Logger
}

// NewBus creates an empty observer bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log: log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers an observer. Not safe for concurrent use with
// Publish; subscriptions happen during wiring, before the first tick.
func (b *Bus) Subscribe(o Observer) {
	b.observers = append(b.observers, o)
}

// Publish delivers one report to every observer. A panicking observer
// is logged and skipped; the remaining observers still run.
func (b *Bus) Publish(report domain.TickReport) {
	for _, o := range b.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Msg("Observer panicked")
				}
			}()
			o.Observe(report)
		}()
	}
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(report domain.TickReport)

// Observe implements Observer.
func (f ObserverFunc) Observe(report domain.TickReport) {
	f(report)
}
