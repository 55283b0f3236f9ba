// Package mqttfeed receives sensor readings published by ESP nodes to an MQTT
// broker.
//
// The ESP8266/DHT11 firmware publishes one message per sample on a fixed topic
// (for example "ESP8266/DHT11"). Payloads are either a JSON object
// {"temperature":..,"humidity":..} or a "temp:..,hum:.." text line; both are
// handled by reading.Parse.
//
// Features:
//   - Bounded connect timeout so an unreachable broker never hangs Start
//   - In-order delivery: paho's ordered router feeds one receive goroutine
//   - Oversized payloads and parse failures are dropped and counted, never
//     forwarded to the consumer
//   - No automatic reconnect: a lost connection stops the feed until the
//     operator restarts acquisition
//   - Optional control plane: START/STOP on the node's control topic and
//     JSON setpoints on its command topic
package mqttfeed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"brickbench/feed"
	"brickbench/internal/ratelimit"
	"brickbench/reading"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultMaxPayloadBytes = 4096
	defaultQueueSize       = 256
	disconnectQuiesceMS    = 250
	dropLogInterval        = 30 * time.Second
	stopPublishTimeout     = time.Second
)

var (
	errTokenTimeout = errors.New("timed out waiting for broker")
	json            = jsoniter.ConfigCompatibleWithStandardLibrary
)

// Options configures a Listener.
type Options struct {
	Name            string // feed name used in logs and stats, default "mqtt"
	Broker          string
	Port            int
	Topic           string
	ClientID        string
	QoS             byte
	Username        string
	Password        string
	ConnectTimeout  time.Duration
	MaxPayloadBytes int
	QueueSize       int
	// ControlTopic, when set, receives StartCommand once subscribed and
	// StopCommand before the listener disconnects.
	ControlTopic string
	StartCommand string // default "START"
	StopCommand  string // default "STOP"
	// CommandTopic receives setpoints; empty disables SendSetpoint.
	CommandTopic string
}

// Listener subscribes to one topic and forwards parsed readings to a single
// consumer.
type Listener struct {
	opts     Options
	consumer feed.Consumer

	mu      sync.Mutex
	client  mqtt.Client
	sess    *session
	running bool

	health     feed.HealthRecorder
	parseDrops *ratelimit.Counter
	sizeDrops  *ratelimit.Counter
}

// session is the state of one Start/Stop cycle. The message handler closure
// captures it so a late callback from a previous connection can never feed a
// newer session.
type session struct {
	payloads chan []byte
	shutdown chan struct{}
	done     chan struct{}
}

// NewListener creates a listener; nothing connects until Start.
func NewListener(opts Options, consumer feed.Consumer) *Listener {
	if opts.Name == "" {
		opts.Name = "mqtt"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.StartCommand == "" {
		opts.StartCommand = "START"
	}
	if opts.StopCommand == "" {
		opts.StopCommand = "STOP"
	}
	return &Listener{
		opts:       opts,
		consumer:   consumer,
		parseDrops: ratelimit.NewCounter(dropLogInterval),
		sizeDrops:  ratelimit.NewCounter(dropLogInterval),
	}
}

// Name returns the feed name.
func (l *Listener) Name() string {
	return l.opts.Name
}

func (l *Listener) address() string {
	return net.JoinHostPort(l.opts.Broker, strconv.Itoa(l.opts.Port))
}

// Start connects to the broker, subscribes and launches the receive loop.
// Connection and subscription failures are returned as *feed.TransportError.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return feed.ErrAlreadyRunning
	}

	opts := l.clientOptions(l.opts.ClientID)
	opts.SetConnectionLostHandler(l.onConnectionLost)

	log.Printf("%s: connecting to %s...", l.displayName(), l.address())
	client, err := l.connect(ctx, opts)
	if err != nil {
		return err
	}

	sess := &session{
		payloads: make(chan []byte, l.opts.QueueSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.receiveLoop(sess)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		l.handleMessage(sess, msg)
	}
	if err := waitToken(ctx, client.Subscribe(l.opts.Topic, l.opts.QoS, handler), l.opts.ConnectTimeout); err != nil {
		client.Disconnect(disconnectQuiesceMS)
		close(sess.shutdown)
		<-sess.done
		return &feed.TransportError{Feed: l.opts.Name, Address: l.address(), Err: fmt.Errorf("subscribe %s: %w", l.opts.Topic, err)}
	}
	if l.opts.ControlTopic != "" {
		token := client.Publish(l.opts.ControlTopic, l.opts.QoS, false, l.opts.StartCommand)
		if err := waitToken(ctx, token, l.opts.ConnectTimeout); err != nil {
			client.Disconnect(disconnectQuiesceMS)
			close(sess.shutdown)
			<-sess.done
			return &feed.TransportError{Feed: l.opts.Name, Address: l.address(), Err: fmt.Errorf("publish %s to %s: %w", l.opts.StartCommand, l.opts.ControlTopic, err)}
		}
		log.Printf("%s: sent %s to %s", l.displayName(), l.opts.StartCommand, l.opts.ControlTopic)
	}

	l.client = client
	l.sess = sess
	l.running = true
	l.health.SetConnected(true)
	log.Printf("%s: subscribed to %s (qos %d)", l.displayName(), l.opts.Topic, l.opts.QoS)
	return nil
}

// Stop tells the node to stop (when a control topic is set), unsubscribes and
// disconnects, then waits for the receive loop to deliver every payload it
// had already accepted. Stopping a stopped listener is a no-op.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	sess := l.sess
	client := l.client
	l.running = false
	l.sess = nil
	l.client = nil
	l.mu.Unlock()

	if client.IsConnected() {
		if l.opts.ControlTopic != "" {
			token := client.Publish(l.opts.ControlTopic, l.opts.QoS, false, l.opts.StopCommand)
			if !token.WaitTimeout(stopPublishTimeout) {
				log.Printf("%s: %s to %s timed out", l.displayName(), l.opts.StopCommand, l.opts.ControlTopic)
			} else if err := token.Error(); err != nil {
				log.Printf("%s: %s to %s failed: %v", l.displayName(), l.opts.StopCommand, l.opts.ControlTopic, err)
			}
		}
		token := client.Unsubscribe(l.opts.Topic)
		if !token.WaitTimeout(stopPublishTimeout) {
			log.Printf("%s: unsubscribe timed out", l.displayName())
		}
	}
	// The router stops calling handleMessage once disconnected; the receive
	// loop keeps draining until then so a full queue cannot wedge Disconnect.
	client.Disconnect(disconnectQuiesceMS)
	close(sess.shutdown)
	<-sess.done
	l.health.SetConnected(false)
	log.Printf("%s: stopped", l.displayName())
	return nil
}

// SendSetpoint publishes sp as JSON to the command topic. While collecting the
// live connection is used; otherwise a short-lived connection is opened.
func (l *Listener) SendSetpoint(ctx context.Context, sp feed.Setpoint) error {
	if l.opts.CommandTopic == "" {
		return feed.ErrSetpointUnsupported
	}
	if err := sp.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("%s: encode setpoint: %w", l.displayName(), err)
	}

	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client == nil || !client.IsConnected() {
		clientID := l.opts.ClientID
		if clientID != "" {
			clientID += "-cmd"
		}
		client, err = l.connect(ctx, l.clientOptions(clientID))
		if err != nil {
			return err
		}
		defer client.Disconnect(disconnectQuiesceMS)
	}

	token := client.Publish(l.opts.CommandTopic, l.opts.QoS, false, payload)
	if err := waitToken(ctx, token, l.opts.ConnectTimeout); err != nil {
		return &feed.TransportError{Feed: l.opts.Name, Address: l.address(), Err: fmt.Errorf("publish setpoint to %s: %w", l.opts.CommandTopic, err)}
	}
	log.Printf("%s: sent setpoint %s to %s", l.displayName(), payload, l.opts.CommandTopic)
	return nil
}

func (l *Listener) clientOptions(clientID string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + l.address())
	if clientID == "" {
		clientID = fmt.Sprintf("brickbench-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	if l.opts.Username != "" {
		opts.SetUsername(l.opts.Username)
		opts.SetPassword(l.opts.Password)
	}
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(l.opts.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	return opts
}

// connect dials the broker, bounded by the connect timeout and ctx.
func (l *Listener) connect(ctx context.Context, opts *mqtt.ClientOptions) (mqtt.Client, error) {
	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect(), l.opts.ConnectTimeout); err != nil {
		if errors.Is(err, errTokenTimeout) || errors.Is(err, ctx.Err()) {
			// The attempt may still be in flight; abandon it without blocking.
			go client.Disconnect(0)
		}
		return nil, &feed.TransportError{Feed: l.opts.Name, Address: l.address(), Err: err}
	}
	return client, nil
}

// Health returns ingest counters for the health monitor.
func (l *Listener) Health() feed.Health {
	return l.health.Snapshot()
}

func (l *Listener) onConnectionLost(_ mqtt.Client, err error) {
	l.health.SetConnected(false)
	log.Printf("%s: connection lost: %v (restart acquisition to reconnect)", l.displayName(), err)
}

// handleMessage runs on paho's router goroutine. It blocks while the queue is
// full so receipt order is preserved, and gives up once the session stops.
func (l *Listener) handleMessage(sess *session, msg mqtt.Message) {
	payload := msg.Payload()
	l.health.Message(time.Now().UTC())
	if len(payload) > l.opts.MaxPayloadBytes {
		l.health.Drop()
		l.sizeDrops.Logf(log.Printf, "%s: dropping oversize payload (%d bytes > %d)", l.displayName(), len(payload), l.opts.MaxPayloadBytes)
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case <-sess.shutdown:
		l.health.Drop()
		return
	default:
	}
	select {
	case sess.payloads <- buf:
	case <-sess.shutdown:
		l.health.Drop()
	}
}

// receiveLoop delivers queued payloads in order. After shutdown it drains
// whatever was already accepted before exiting.
func (l *Listener) receiveLoop(sess *session) {
	defer close(sess.done)
	for {
		select {
		case payload := <-sess.payloads:
			l.process(payload)
		case <-sess.shutdown:
			for {
				select {
				case payload := <-sess.payloads:
					l.process(payload)
				default:
					return
				}
			}
		}
	}
}

func (l *Listener) process(payload []byte) {
	r, err := reading.Parse(payload)
	now := time.Now().UTC()
	if err != nil {
		l.health.ParseError(now)
		l.parseDrops.Logf(log.Printf, "%s: dropping message: %v", l.displayName(), err)
		return
	}
	l.health.Reading(now)
	if l.consumer != nil {
		l.consumer(r)
	}
}

func (l *Listener) displayName() string {
	return "MQTT[" + l.opts.Name + "]"
}

// waitToken waits for a paho token, bounded by timeout and ctx.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errTokenTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
