package types

import "time"

// Fields are the measurements extracted from a single line or frame.
// A nil pointer means the source did not encode that field.
type Fields struct {
	Temperature *float64
	Humidity    *float64
	Pressure    *float64
}

// Count returns how many fields are present.
func (f Fields) Count() int {
	n := 0
	for _, v := range []*float64{f.Temperature, f.Humidity, f.Pressure} {
		if v != nil {
			n++
		}
	}
	return n
}

// Sample represents the latest normalized reading from the weather station
type Sample struct {
	Timestamp   time.Time `json:"ts"`
	Temperature *float64  `json:"temperature_c,omitempty"`
	Humidity    *float64  `json:"humidity_pct,omitempty"`
	Pressure    *float64  `json:"pressure_hpa,omitempty"`
	RawLine     string    `json:"raw_line,omitempty"`
}

// NewSample builds a Sample that shares no memory with f, so later changes
// to the caller's values cannot leak into a stored sample.
func NewSample(ts time.Time, f Fields, rawLine string) Sample {
	return Sample{
		Timestamp:   ts.UTC(),
		Temperature: clone(f.Temperature),
		Humidity:    clone(f.Humidity),
		Pressure:    clone(f.Pressure),
		RawLine:     rawLine,
	}
}

// Fields returns copies of the measurements held by s.
func (s Sample) Fields() Fields {
	return Fields{
		Temperature: clone(s.Temperature),
		Humidity:    clone(s.Humidity),
		Pressure:    clone(s.Pressure),
	}
}

func clone(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
