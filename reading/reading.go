// Package reading defines the sensor sample carried through the acquisition
// pipeline and the parser that turns raw MQTT/serial payloads into samples.
package reading

import (
	"fmt"
	"strings"
)

// Metric identifies one of the measured quantities.
type Metric string

const (
	Temperature Metric = "temperature" // °C
	Pressure    Metric = "pressure"    // hPa
	Humidity    Metric = "humidity"    // %
)

// Metrics lists the measured quantities in export column order.
var Metrics = []Metric{Temperature, Pressure, Humidity}

// Reading is one sample as delivered by a sensor node. Values are immutable once
// parsed; the pipeline passes Reading by value.
type Reading struct {
	Temperature float64
	Pressure    float64
	Humidity    float64
	// HasPressure distinguishes a transmitted pressure from an absent one.
	// Nodes with only a DHT sensor never send pressure.
	HasPressure bool
}

// Value returns the value of metric m and whether the reading carries it.
func (r Reading) Value(m Metric) (float64, bool) {
	switch m {
	case Temperature:
		return r.Temperature, true
	case Humidity:
		return r.Humidity, true
	case Pressure:
		return r.Pressure, r.HasPressure
	default:
		return 0, false
	}
}

// String formats the reading the way the console prints it.
func (r Reading) String() string {
	press := "n/a"
	if r.HasPressure {
		press = fmt.Sprintf("%.2f hPa", r.Pressure)
	}
	return fmt.Sprintf("%.2f °C  %s  %.2f %%", r.Temperature, press, r.Humidity)
}

// Unit returns the display unit for m.
func (m Metric) Unit() string {
	switch m {
	case Temperature:
		return "°C"
	case Pressure:
		return "hPa"
	case Humidity:
		return "%"
	default:
		return ""
	}
}

// Label returns a capitalized label with unit, e.g. "Temperature (°C)".
func (m Metric) Label() string {
	name := string(m)
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:] + " (" + m.Unit() + ")"
}
