package mqttfeed

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"brickbench/feed"
	"brickbench/reading"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// startBroker spins up an in-process MQTT broker with an inline client so the
// test can publish like a sensor node would.
func startBroker(t *testing.T) (*mochi.Server, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	server := mochi.New(&mochi.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add hook: %v", err)
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "bench", Address: fmt.Sprintf("127.0.0.1:%d", port)})
	if err := server.AddListener(tcp); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })
	return server, port
}

func TestListenerReceivesFromBroker(t *testing.T) {
	server, port := startBroker(t)
	const topic = "ESP8266/DHT11"

	got := make(chan reading.Reading, 16)
	l := NewListener(Options{
		Name:           "bench",
		Broker:         "127.0.0.1",
		Port:           port,
		Topic:          topic,
		QoS:            1,
		ConnectTimeout: 5 * time.Second,
	}, func(r reading.Reading) { got <- r })

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !l.Health().Connected {
		t.Fatalf("expected connected after Start")
	}

	payloads := []string{
		`{"temperature": 20, "humidity": 40}`,
		`not a reading`,
		`temp:21,hum:41`,
		`{"temperature": 22, "humidity": 42, "pressure": 1002}`,
	}
	for _, p := range payloads {
		if err := server.Publish(topic, []byte(p), false, 1); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	want := []float64{20, 21, 22}
	for i, temp := range want {
		select {
		case r := <-got:
			if r.Temperature != temp {
				t.Fatalf("reading %d temperature = %v, want %v", i, r.Temperature, temp)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for reading %d", i)
		}
	}

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	h := l.Health()
	if h.Connected {
		t.Fatalf("expected disconnected after Stop")
	}
	if h.ParseErrors != 1 || h.Readings != 3 {
		t.Fatalf("unexpected health after stop: %+v", h)
	}

	// After Stop the consumer must not be called again.
	_ = server.Publish(topic, []byte(`temp:30,hum:50`), false, 0)
	select {
	case r := <-got:
		t.Fatalf("reading delivered after Stop: %+v", r)
	case <-time.After(200 * time.Millisecond):
	}

	// A stopped listener can be started again.
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
}

type published struct {
	topic   string
	payload string
}

// watchTopics subscribes a plain client to topics, standing in for the ESP
// node that listens for control and setpoint messages.
func watchTopics(t *testing.T, port int, topics ...string) <-chan published {
	t.Helper()
	got := make(chan published, 16)
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", port)).
		SetClientID("esp-node").
		SetOrderMatters(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("watcher connect: %v", token.Error())
	}
	t.Cleanup(func() { client.Disconnect(100) })
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = 1
	}
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		got <- published{topic: msg.Topic(), payload: string(msg.Payload())}
	}
	if token := client.SubscribeMultiple(filters, handler); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("watcher subscribe: %v", token.Error())
	}
	return got
}

func expectPublished(t *testing.T, got <-chan published, want published) {
	t.Helper()
	select {
	case p := <-got:
		if p != want {
			t.Fatalf("received %+v, want %+v", p, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %+v", want)
	}
}

func TestListenerDrivesNodeControlTopics(t *testing.T) {
	_, port := startBroker(t)
	const (
		controlTopic = "ESP1/control"
		commandTopic = "ESP2/command"
	)
	got := watchTopics(t, port, controlTopic, commandTopic)

	l := NewListener(Options{
		Name:           "bench",
		Broker:         "127.0.0.1",
		Port:           port,
		Topic:          "ESP1/data",
		ClientID:       "bench-test",
		QoS:            1,
		ConnectTimeout: 5 * time.Second,
		ControlTopic:   controlTopic,
		CommandTopic:   commandTopic,
	}, func(reading.Reading) {})

	// Idle: the setpoint goes out over a short-lived connection.
	if err := l.SendSetpoint(context.Background(), feed.Setpoint{Temperature: 25, WindSpeed: 3}); err != nil {
		t.Fatalf("SendSetpoint() while idle: %v", err)
	}
	expectPublished(t, got, published{topic: commandTopic, payload: `{"temperature":25,"wind_speed":3}`})

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	expectPublished(t, got, published{topic: controlTopic, payload: "START"})

	if err := l.SendSetpoint(context.Background(), feed.Setpoint{Temperature: 30.5, WindSpeed: 0}); err != nil {
		t.Fatalf("SendSetpoint() while collecting: %v", err)
	}
	expectPublished(t, got, published{topic: commandTopic, payload: `{"temperature":30.5,"wind_speed":0}`})

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	expectPublished(t, got, published{topic: controlTopic, payload: "STOP"})
}
