// Package feed defines the contract shared by the transports that deliver
// sensor readings (MQTT broker, serial line) to the acquisition session.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"brickbench/reading"
)

// ErrAlreadyRunning is returned by Start on a listener that is running.
var ErrAlreadyRunning = errors.New("feed: listener already running")

// Consumer receives every successfully parsed reading, in receipt order.
type Consumer func(r reading.Reading)

// Source is a transport listener. Start connects and launches the receive
// loop; Stop blocks until the loop has exited and the connection is released.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() Health
}

// ErrSetpointUnsupported is returned by a SetpointSender that has no command
// channel configured.
var ErrSetpointUnsupported = errors.New("feed: setpoints not configured")

// Setpoint is the climate target sent to the bench's conditioning node.
type Setpoint struct {
	Temperature float64 `json:"temperature"`
	WindSpeed   float64 `json:"wind_speed"`
}

// Validate rejects non-finite values and a negative wind speed.
func (sp Setpoint) Validate() error {
	if math.IsNaN(sp.Temperature) || math.IsInf(sp.Temperature, 0) {
		return fmt.Errorf("feed: setpoint temperature %v is not finite", sp.Temperature)
	}
	if math.IsNaN(sp.WindSpeed) || math.IsInf(sp.WindSpeed, 0) || sp.WindSpeed < 0 {
		return fmt.Errorf("feed: setpoint wind speed %v must be finite and not negative", sp.WindSpeed)
	}
	return nil
}

// SetpointSender is implemented by transports that can command the node.
type SetpointSender interface {
	SendSetpoint(ctx context.Context, sp Setpoint) error
}

// TransportError reports a connection failure surfaced by Start.
type TransportError struct {
	Feed    string
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: connect %s: %v", e.Feed, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Health is a point-in-time view of a listener for the health monitor.
type Health struct {
	Connected      bool
	LastMessageAt  time.Time
	LastReadingAt  time.Time
	LastParseErrAt time.Time
	Messages       uint64
	Readings       uint64
	ParseErrors    uint64
	Drops          uint64
}

// HealthRecorder accumulates Health counters; listeners embed one.
type HealthRecorder struct {
	mu sync.Mutex
	h  Health
}

// SetConnected records the connection state.
func (r *HealthRecorder) SetConnected(connected bool) {
	r.mu.Lock()
	r.h.Connected = connected
	r.mu.Unlock()
}

// Message records an inbound payload.
func (r *HealthRecorder) Message(at time.Time) {
	r.mu.Lock()
	r.h.Messages++
	r.h.LastMessageAt = at
	r.mu.Unlock()
}

// Reading records a payload that parsed into a reading.
func (r *HealthRecorder) Reading(at time.Time) {
	r.mu.Lock()
	r.h.Readings++
	r.h.LastReadingAt = at
	r.mu.Unlock()
}

// ParseError records a payload that failed to parse.
func (r *HealthRecorder) ParseError(at time.Time) {
	r.mu.Lock()
	r.h.ParseErrors++
	r.h.LastParseErrAt = at
	r.mu.Unlock()
}

// Drop records a payload discarded before parsing.
func (r *HealthRecorder) Drop() {
	r.mu.Lock()
	r.h.Drops++
	r.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (r *HealthRecorder) Snapshot() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.h
}
