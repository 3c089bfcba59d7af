// Package parser turns raw weather-station text into measurement fields.
//
// A Parser holds an ordered list of Formats. Each line is offered to the
// formats in priority order and the first one that recognizes at least one
// field wins; fields are never merged across formats. Parsing is pure: no
// I/O, no clock, no state.
package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wxq19/sabr-wx/internal/types"
)

// ErrParse is returned when no format recognizes any field in a line.
var ErrParse = errors.New("no recognized fields")

// maxQuotedLine bounds how much of a rejected line ends up in an error.
const maxQuotedLine = 64

// Format extracts fields from one line of text. Implementations must be
// total: unknown keys and malformed values are skipped, never reported.
type Format interface {
	Name() string
	Extract(line string) types.Fields
}

type Parser struct {
	formats []Format
}

// New returns a parser trying formats in the given order.
func New(formats ...Format) *Parser {
	return &Parser{formats: append([]Format(nil), formats...)}
}

// Default returns the parser for the formats the station is known to emit:
// compact "T=23.4,H=56.1,P=1012.8" lines first, then AMWS "TA:22.4" tokens.
func Default() *Parser {
	return New(KeyValue, Colon)
}

// Parse returns the fields of the first matching format and that format's
// name. A line no format recognizes yields an error wrapping ErrParse.
func (p *Parser) Parse(line string) (types.Fields, string, error) {
	for _, f := range p.formats {
		fields := f.Extract(line)
		if fields.Count() > 0 {
			return fields, f.Name(), nil
		}
	}
	return types.Fields{}, "", fmt.Errorf("%w in %q", ErrParse, quote(line))
}

// Formats returns the formats in priority order.
func (p *Parser) Formats() []Format {
	return append([]Format(nil), p.formats...)
}

// Lookup returns the format registered under name.
func (p *Parser) Lookup(name string) (Format, bool) {
	for _, f := range p.formats {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}

func quote(line string) string {
	line = strings.TrimSpace(line)
	if len(line) <= maxQuotedLine {
		return line
	}
	return line[:maxQuotedLine] + "..."
}
