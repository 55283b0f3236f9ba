package export

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"brickbench/reading"
)

func TestCSVRoundTrip(t *testing.T) {
	in := []reading.Reading{
		{Temperature: 21.456, Humidity: 55.5, Pressure: 1009.994, HasPressure: true},
		{Temperature: -3.2, Humidity: 0},
		{Temperature: 0.004, Humidity: 99.999, Pressure: 0, HasPressure: true},
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, in); err != nil {
		t.Fatalf("WriteCSV() error: %v", err)
	}
	out, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV() error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d readings, got %d", len(in), len(out))
	}
	for i := range in {
		for _, m := range reading.Metrics {
			want, wantOK := in[i].Value(m)
			got, gotOK := out[i].Value(m)
			if wantOK != gotOK {
				t.Fatalf("row %d %s presence: want %v got %v", i, m, wantOK, gotOK)
			}
			if wantOK && math.Abs(want-got) > 0.005+1e-9 {
				t.Fatalf("row %d %s: want %.4f got %.4f", i, m, want, got)
			}
		}
	}
}

func TestWriteCSVFormatsTwoDecimals(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, []reading.Reading{{Temperature: 20, Humidity: 33.333}}); err != nil {
		t.Fatalf("WriteCSV() error: %v", err)
	}
	want := "temperature,pressure,humidity\n20.00,,33.33\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestReadCSVRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"bad header":   "a,b,c\n1,2,3\n",
		"short row":    "temperature,pressure,humidity\n1,2\n",
		"non numeric":  "temperature,pressure,humidity\nx,,1\n",
		"bad pressure": "temperature,pressure,humidity\n1,p,1\n",
	}
	for name, text := range cases {
		if _, err := ReadCSV(strings.NewReader(text)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
