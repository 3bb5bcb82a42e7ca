package danmaku

import (
	"github.com/rs/zerolog"

	"bilive-monitor/internal/domain"
)

// Handler consumes one decoded event. Handlers run on their own goroutine
// and must do their own locking.
type Handler func(ev domain.Event)

// Dispatcher routes events to handlers registered per kind. Registration
// happens once at construction time; Dispatch is safe for concurrent use
// afterwards. Events of KindUnknown are dropped.
type Dispatcher struct {
	handlers map[domain.EventKind][]Handler
	log      *zerolog.Logger
}

func NewDispatcher(log *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[domain.EventKind][]Handler),
		log:      log,
	}
}

// On appends a handler for a kind. Handlers fire in registration order.
func (d *Dispatcher) On(kind domain.EventKind, h Handler) {
	if kind == domain.KindUnknown {
		return
	}
	d.handlers[kind] = append(d.handlers[kind], h)
}

// Dispatch launches one goroutine per registered handler. A panicking
// handler is logged and does not take down its siblings or the caller.
func (d *Dispatcher) Dispatch(ev domain.Event) {
	for _, h := range d.handlers[ev.Kind] {
		h := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error().
						Str("kind", ev.Kind.String()).
						Interface("panic", r).
						Msg("event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}
