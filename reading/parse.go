package reading

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// ErrMalformed is matched by every *ParseError via errors.Is.
var ErrMalformed = errors.New("malformed sensor payload")

// ParseError reports a payload that could not be turned into a Reading.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Input, e.Reason)
}

// Is lets callers match any parse failure with errors.Is(err, ErrMalformed).
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformed
}

// maxEchoedInput bounds how much of a bad payload ends up in error strings/logs.
const maxEchoedInput = 96

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonPayload mirrors the ESP8266/DHT11 firmware message. Pointer fields let
// the parser tell a missing key from a zero value.
type jsonPayload struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`
}

// Parse converts a raw MQTT or serial payload into a Reading.
//
// Two wire shapes are accepted: a JSON object with numeric "temperature" and
// "humidity" keys (optional "pressure"), or a comma-separated key:value line
// such as "temp:23.5,hum:55,press:1012.4". Unknown keys are ignored.
func Parse(raw []byte) (Reading, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Reading{}, newParseError(raw, "empty payload")
	}
	if trimmed[0] == '{' {
		return parseJSON(trimmed)
	}
	return parseKeyValue(string(trimmed))
}

// ParseString is Parse for string payloads (serial lines).
func ParseString(s string) (Reading, error) {
	return Parse([]byte(s))
}

func parseJSON(raw []byte) (Reading, error) {
	var msg jsonPayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Reading{}, newParseError(raw, "invalid JSON: "+err.Error())
	}
	if msg.Temperature == nil {
		return Reading{}, newParseError(raw, "missing temperature")
	}
	if msg.Humidity == nil {
		return Reading{}, newParseError(raw, "missing humidity")
	}
	r := Reading{
		Temperature: *msg.Temperature,
		Humidity:    *msg.Humidity,
	}
	if msg.Pressure != nil {
		r.Pressure = *msg.Pressure
		r.HasPressure = true
	}
	return r, nil
}

func parseKeyValue(line string) (Reading, error) {
	var (
		r           Reading
		haveTemp    bool
		haveHum     bool
		fieldsFound int
	)
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return Reading{}, newParseError([]byte(line), fmt.Sprintf("field %q has no ':'", part))
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		var dst *float64
		switch key {
		case "temp", "temperature":
			dst = &r.Temperature
			haveTemp = true
		case "hum", "humidity":
			dst = &r.Humidity
			haveHum = true
		case "press", "pressure":
			dst = &r.Pressure
			r.HasPressure = true
		default:
			continue
		}
		v, err := parseNumber(value)
		if err != nil {
			return Reading{}, newParseError([]byte(line), fmt.Sprintf("%s: %v", key, err))
		}
		*dst = v
		fieldsFound++
	}
	if fieldsFound == 0 {
		return Reading{}, newParseError([]byte(line), "no recognized fields")
	}
	if !haveTemp {
		return Reading{}, newParseError([]byte(line), "missing temperature")
	}
	if !haveHum {
		return Reading{}, newParseError([]byte(line), "missing humidity")
	}
	return r, nil
}

func parseNumber(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("empty value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric value %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

func newParseError(raw []byte, reason string) *ParseError {
	input := string(raw)
	if len(input) > maxEchoedInput {
		input = input[:maxEchoedInput] + "..."
	}
	return &ParseError{Input: input, Reason: reason}
}
