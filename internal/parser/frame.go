package parser

import "strings"

// FrameTerminator ends an AMWS multiline frame.
const FrameTerminator = "~"

const (
	maxFrameLines  = 300
	keptFrameLines = 50
)

// FrameAssembler collects the lines of an AMWS multiline frame, one
// "KEY:value" per line, until the terminator arrives, and joins them into a
// single comma-separated line for Parse. Unlike Parser it is stateful and
// must be owned by a single goroutine.
type FrameAssembler struct {
	lines []string
}

func NewFrameAssembler() *FrameAssembler {
	return &FrameAssembler{}
}

// Add buffers line. On the terminator it returns the joined frame with
// done set and starts a new frame.
func (a *FrameAssembler) Add(line string) (frame string, done bool) {
	line = strings.TrimSpace(line)
	if line != FrameTerminator {
		if line != "" {
			a.lines = append(a.lines, line)
		}
		// a missing terminator must not grow the buffer without bound
		if len(a.lines) > maxFrameLines {
			a.lines = append(a.lines[:0], a.lines[len(a.lines)-keptFrameLines:]...)
		}
		return "", false
	}

	frame = strings.Join(a.lines, ",")
	a.Reset()
	return frame, true
}

// Pending returns the number of buffered lines.
func (a *FrameAssembler) Pending() int {
	return len(a.lines)
}

// Reset drops any partially received frame.
func (a *FrameAssembler) Reset() {
	a.lines = a.lines[:0]
}
