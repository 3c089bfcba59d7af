package parser

import (
	"math"
	"strconv"
	"strings"

	"github.com/wxq19/sabr-wx/internal/types"
)

type field int

const (
	fieldTemperature field = iota + 1
	fieldHumidity
	fieldPressure
)

// synonyms maps lower-cased keys to the field they encode. TA, RH and BA are
// the AMWS names for ambient temperature, relative humidity and barometric
// pressure.
var synonyms = map[string]field{
	"t":           fieldTemperature,
	"temp":        fieldTemperature,
	"temperature": fieldTemperature,
	"ta":          fieldTemperature,

	"h":        fieldHumidity,
	"hum":      fieldHumidity,
	"humidity": fieldHumidity,
	"rh":       fieldHumidity,

	"p":        fieldPressure,
	"pres":     fieldPressure,
	"pressure": fieldPressure,
	"ba":       fieldPressure,
}

// KeyValue parses comma-separated key=value tokens, e.g. "T=23.4,H=56.1".
var KeyValue Format = delimited{name: "keyvalue", sep: "="}

// Colon parses comma-separated key:value tokens, e.g. "TA:22.4,RH:50".
// Anything after a second colon in the value is ignored ("BA:1001.90:hPa").
var Colon Format = delimited{name: "colon", sep: ":"}

type delimited struct {
	name string
	sep  string
}

func (d delimited) Name() string { return d.name }

func (d delimited) Extract(line string) types.Fields {
	var out types.Fields
	for _, token := range strings.Split(line, ",") {
		key, value, ok := strings.Cut(token, d.sep)
		if !ok {
			continue
		}
		f, known := synonyms[strings.ToLower(strings.TrimSpace(key))]
		if !known {
			continue
		}
		value, _, _ = strings.Cut(value, d.sep)
		v, ok := parseValue(value)
		if !ok {
			continue
		}
		// first occurrence of a field wins
		switch f {
		case fieldTemperature:
			if out.Temperature == nil {
				out.Temperature = &v
			}
		case fieldHumidity:
			if out.Humidity == nil {
				out.Humidity = &v
			}
		case fieldPressure:
			if out.Pressure == nil {
				out.Pressure = &v
			}
		}
	}
	return out
}

func parseValue(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
