package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// EventPublisher announces archived trips on a NATS subject. Publishing is
// best-effort; a slow or absent broker never blocks archival.
type EventPublisher struct {
	nc      *nats.Conn
	subject string
	log     *slog.Logger
}

// NewEventPublisher connects to NATS. The subject is <prefix>.archived,
// defaulting the prefix to "trips".
func NewEventPublisher(url, prefix string, log *slog.Logger) (*EventPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("trip-archiver"),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	if prefix == "" {
		prefix = "trips"
	}
	return &EventPublisher{
		nc:      nc,
		subject: prefix + ".archived",
		log:     log,
	}, nil
}

// TripArchived publishes one archived-trip event. Matches the Coordinator's
// OnArchived callback signature.
func (p *EventPublisher) TripArchived(ev *Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("encode archived event", "trip_id", ev.TripID, "error", err)
		return
	}
	if err := p.nc.Publish(p.subject, b); err != nil {
		p.log.Warn("publish archived event", "trip_id", ev.TripID, "error", err)
	}
}

// Close flushes pending events and drops the connection.
func (p *EventPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.log.Warn("drain nats connection", "error", err)
	}
}
