package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"brickbench/reading"
)

var csvHeader = []string{"temperature", "pressure", "humidity"}

// WriteCSV writes the header and one row per reading in order. Values use two
// decimals; the pressure cell is empty when the reading carries none.
func WriteCSV(w io.Writer, readings []reading.Reading) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	row := make([]string, len(csvHeader))
	for _, r := range readings {
		row[0] = formatValue(r.Temperature)
		row[1] = ""
		if r.HasPressure {
			row[1] = formatValue(r.Pressure)
		}
		row[2] = formatValue(r.Humidity)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// ReadCSV parses a file produced by WriteCSV.
func ReadCSV(r io.Reader) ([]reading.Reading, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("csv: header: %w", err)
	}
	for i, name := range csvHeader {
		if strings.TrimSpace(strings.ToLower(header[i])) != name {
			return nil, fmt.Errorf("csv: unexpected header %q", strings.Join(header, ","))
		}
	}

	var out []reading.Reading
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv: line %d: %w", line, err)
		}
		var r reading.Reading
		if r.Temperature, err = strconv.ParseFloat(rec[0], 64); err != nil {
			return nil, fmt.Errorf("csv: line %d temperature: %w", line, err)
		}
		if p := strings.TrimSpace(rec[1]); p != "" {
			if r.Pressure, err = strconv.ParseFloat(p, 64); err != nil {
				return nil, fmt.Errorf("csv: line %d pressure: %w", line, err)
			}
			r.HasPressure = true
		}
		if r.Humidity, err = strconv.ParseFloat(rec[2], 64); err != nil {
			return nil, fmt.Errorf("csv: line %d humidity: %w", line, err)
		}
		out = append(out, r)
	}
}
