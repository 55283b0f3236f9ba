// Package serialfeed reads sensor lines from an ESP node attached over USB
// serial. The node streams "temp:..,hum:.." lines once it receives START and
// goes quiet again on STOP.
package serialfeed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"brickbench/feed"
	"brickbench/internal/ratelimit"
	"brickbench/reading"

	"go.bug.st/serial"
)

const (
	defaultBaudRate    = 9600
	defaultSettleDelay = 2 * time.Second
	defaultReadTimeout = time.Second
	dropLogInterval    = 30 * time.Second
	maxLineBytes       = 4096
)

// Options configures a Listener.
type Options struct {
	Name         string // feed name used in logs and stats, default "serial"
	Device       string
	BaudRate     int
	StartCommand string
	StopCommand  string
	// SettleDelay is how long to wait after opening the port before sending
	// the start command; most ESP boards reset when the port opens. Zero
	// sends immediately.
	SettleDelay time.Duration
	ReadTimeout time.Duration
}

// Port is the subset of serial.Port the listener needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens the serial device. It is swappable for tests.
type Opener func(device string, baud int) (Port, error)

// OpenSerial opens a real device with 8N1 framing.
func OpenSerial(device string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		DataBits: 8,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Listener owns the serial port for the duration of one acquisition.
type Listener struct {
	opts     Options
	consumer feed.Consumer
	open     Opener

	mu       sync.Mutex
	port     Port
	shutdown chan struct{}
	done     chan struct{}
	running  bool

	health     feed.HealthRecorder
	parseDrops *ratelimit.Counter
}

// NewListener creates a listener on the real serial device.
func NewListener(opts Options, consumer feed.Consumer) *Listener {
	return NewListenerWithOpener(opts, consumer, OpenSerial)
}

// NewListenerWithOpener creates a listener that opens ports through open.
func NewListenerWithOpener(opts Options, consumer feed.Consumer, open Opener) *Listener {
	if opts.Name == "" {
		opts.Name = "serial"
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = defaultBaudRate
	}
	if opts.StartCommand == "" {
		opts.StartCommand = "START"
	}
	if opts.StopCommand == "" {
		opts.StopCommand = "STOP"
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	return &Listener{
		opts:       opts,
		consumer:   consumer,
		open:       open,
		parseDrops: ratelimit.NewCounter(dropLogInterval),
	}
}

// Name returns the feed name.
func (l *Listener) Name() string {
	return l.opts.Name
}

// Start opens the port, waits for the node to settle, sends the start command
// and launches the line reader.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return feed.ErrAlreadyRunning
	}

	log.Printf("%s: opening %s at %d baud", l.displayName(), l.opts.Device, l.opts.BaudRate)
	port, err := l.open(l.opts.Device, l.opts.BaudRate)
	if err != nil {
		return l.transportError(err)
	}
	if err := port.SetReadTimeout(l.opts.ReadTimeout); err != nil {
		_ = port.Close()
		return l.transportError(fmt.Errorf("set read timeout: %w", err))
	}
	if l.opts.SettleDelay > 0 {
		timer := time.NewTimer(l.opts.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			_ = port.Close()
			return l.transportError(ctx.Err())
		}
	}
	if err := writeCommand(port, l.opts.StartCommand); err != nil {
		_ = port.Close()
		return l.transportError(fmt.Errorf("send %s: %w", l.opts.StartCommand, err))
	}

	l.port = port
	l.shutdown = make(chan struct{})
	l.done = make(chan struct{})
	l.running = true
	l.health.SetConnected(true)
	go l.readLoop(port, l.shutdown, l.done)
	log.Printf("%s: %s sent, acquiring", l.displayName(), l.opts.StartCommand)
	return nil
}

// Stop ends the reader, waits for it, tells the node to stop and closes the
// port. Stopping a stopped listener is a no-op.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	port := l.port
	shutdown := l.shutdown
	done := l.done
	l.running = false
	l.port = nil
	l.mu.Unlock()

	close(shutdown)
	<-done

	var firstErr error
	if err := writeCommand(port, l.opts.StopCommand); err != nil {
		firstErr = fmt.Errorf("%s: send %s: %w", l.displayName(), l.opts.StopCommand, err)
	}
	if err := port.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%s: close: %w", l.displayName(), err)
	}
	l.health.SetConnected(false)
	log.Printf("%s: stopped", l.displayName())
	return firstErr
}

// Health returns ingest counters for the health monitor.
func (l *Listener) Health() feed.Health {
	return l.health.Snapshot()
}

// readLoop assembles newline-terminated lines. Reads return periodically on
// the port timeout so shutdown is observed without closing the port under
// the reader.
func (l *Listener) readLoop(port Port, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer l.health.SetConnected(false)

	buf := make([]byte, 256)
	var line []byte
	for {
		select {
		case <-shutdown:
			return
		default:
		}

		n, err := port.Read(buf)
		if n > 0 {
			line = l.consumeBytes(line, buf[:n])
		}
		if err != nil {
			if isShutdown(shutdown) {
				return
			}
			log.Printf("%s: read error: %v (restart acquisition to reopen)", l.displayName(), err)
			return
		}
	}
}

// consumeBytes splits chunk on '\n', dispatching each complete line, and
// returns the unterminated remainder.
func (l *Listener) consumeBytes(pending, chunk []byte) []byte {
	for _, b := range chunk {
		if b == '\n' {
			l.handleLine(string(pending))
			pending = pending[:0]
			continue
		}
		if len(pending) >= maxLineBytes {
			l.health.Drop()
			pending = pending[:0]
		}
		pending = append(pending, b)
	}
	return pending
}

func (l *Listener) handleLine(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}
	now := time.Now().UTC()
	l.health.Message(now)
	r, err := reading.ParseString(line)
	if err != nil {
		l.health.ParseError(now)
		l.parseDrops.Logf(log.Printf, "%s: ignoring line: %v", l.displayName(), err)
		return
	}
	l.health.Reading(now)
	if l.consumer != nil {
		l.consumer(r)
	}
}

func (l *Listener) transportError(err error) error {
	return &feed.TransportError{Feed: l.opts.Name, Address: l.opts.Device, Err: err}
}

func (l *Listener) displayName() string {
	return "Serial[" + l.opts.Name + "]"
}

func writeCommand(w io.Writer, cmd string) error {
	if w == nil {
		return errors.New("port not open")
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(cmd + "\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func isShutdown(shutdown <-chan struct{}) bool {
	select {
	case <-shutdown:
		return true
	default:
		return false
	}
}
