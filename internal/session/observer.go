package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// observer fans session events out to the bus and records state changes and
// errors in the event store.
type observer struct {
	sessionID string
	bus       *bus.Client
	store     *eventstore.Store
	logger    *slog.Logger
}

func newObserver(sessionID string, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *observer {
	return &observer{sessionID: sessionID, bus: busClient, store: store, logger: logger}
}

func (o *observer) Notify(ev protocol.SessionEvent) {
	ev.SessionID = o.sessionID
	ev.Timestamp = time.Now().UTC()

	if o.bus != nil {
		if err := o.bus.PublishJSON(protocol.SessionSubject(o.sessionID, ev.Kind), ev); err != nil {
			o.logger.Warn("failed to publish session event", slog.String("kind", ev.Kind), slogError(err))
		}
	}

	switch ev.Kind {
	case protocol.EventState, protocol.EventError:
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := o.store.Record(ctx, ev); err != nil {
			o.logger.Warn("failed to record session event", slog.String("kind", ev.Kind), slogError(err))
		}
	}
}
