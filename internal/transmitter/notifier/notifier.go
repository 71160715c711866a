// Package notifier publishes the outcome of every upload request.
package notifier

import (
	"context"
	"time"
)

// Event is the outcome of one upload request.
type Event struct {
	VehicleID string    `json:"vehicleId"`
	Files     []string  `json:"files"`
	Edge      string    `json:"edge"`
	Outcome   string    `json:"outcome"`
	Status    int       `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers events. Delivery is best effort: the dispatcher logs a
// failed Notify and carries on.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
