// Package collector runs the read → parse → store loop against a serial
// weather station and keeps it alive across disconnects, garbage input and
// failed writes. Only cancellation of the context passed to Run stops it.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/wxq19/sabr-wx/internal/metrics"
	"github.com/wxq19/sabr-wx/internal/parser"
	"github.com/wxq19/sabr-wx/internal/serial"
	"github.com/wxq19/sabr-wx/internal/types"
	"github.com/wxq19/sabr-wx/internal/utils"
)

// Source is an open device that yields lines. *serial.Port implements it.
// ReadLine reports serial.ErrReadTimeout when nothing arrived and
// serial.ErrDeviceDisconnected when the device is gone.
type Source interface {
	ReadLine(timeout time.Duration) (string, error)
	Close() error
}

// OpenFunc opens the device. Failures are retried after the backoff.
type OpenFunc func() (Source, error)

// Sink receives every successfully parsed sample. *store.Store implements it.
type Sink interface {
	WriteLatest(types.Sample) error
}

// Framing selects how lines are grouped before parsing.
type Framing string

const (
	// FramingLine parses every line on its own.
	FramingLine Framing = "line"
	// FramingAMWS buffers lines until the "~" terminator and parses the frame.
	FramingAMWS Framing = "amws"
)

type Options struct {
	PollInterval     time.Duration
	ReadTimeout      time.Duration
	ReconnectBackoff time.Duration
	LogRawLines      bool
	Framing          Framing

	Parser  *parser.Parser
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = 2 * time.Second
	}
	if o.Framing == "" {
		o.Framing = FramingLine
	}
	if o.Parser == nil {
		o.Parser = parser.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Loop is the collector state machine. It is not safe to call Run twice.
type Loop struct {
	open   OpenFunc
	sink   Sink
	opts   Options
	log    *slog.Logger
	frames *parser.FrameAssembler

	state atomic.Int32

	mu     sync.Mutex // guards src against the shutdown hook
	src    Source
	opened int
}

func New(open OpenFunc, sink Sink, opts Options) *Loop {
	opts.applyDefaults()
	l := &Loop{
		open:   open,
		sink:   sink,
		opts:   opts,
		log:    opts.Logger,
		frames: parser.NewFrameAssembler(),
	}
	l.state.Store(int32(Connecting))
	return l
}

// State returns the current position in the cycle.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Run loops until ctx is cancelled and then returns ctx.Err(). Device and
// store failures are logged and recovered from, never returned.
func (l *Loop) Run(ctx context.Context) error {
	// unblock a pending ReadLine as soon as shutdown is requested
	stop := context.AfterFunc(ctx, l.closeSource)
	defer stop()
	defer l.closeSource()
	defer l.setState(Stopped)

	l.log.Info("collector started",
		"poll_interval", l.opts.PollInterval,
		"read_timeout", l.opts.ReadTimeout,
		"reconnect_backoff", l.opts.ReconnectBackoff,
		"framing", string(l.opts.Framing),
		"log_raw_lines", l.opts.LogRawLines,
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		src := l.source()
		if src == nil {
			l.setState(Connecting)
			if !l.connect(ctx) {
				if !sleep(ctx, l.opts.ReconnectBackoff) {
					return ctx.Err()
				}
			}
			continue
		}

		l.setState(Reading)
		line, err := src.ReadLine(l.opts.ReadTimeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case err == nil:
			if !l.handleLine(ctx, line) {
				// rest of the frame is already on its way
				continue
			}
		case errors.Is(err, serial.ErrReadTimeout):
			l.opts.Metrics.ReadTimeouts.Inc()
			l.log.Debug("no data this cycle")
		default:
			l.log.Warn("device disconnected", "error", err)
			l.closeSource()
			l.frames.Reset()
			continue
		}

		l.setState(Sleeping)
		if !sleep(ctx, l.opts.PollInterval) {
			return ctx.Err()
		}
	}
}

func (l *Loop) connect(ctx context.Context) bool {
	src, err := l.open()
	if err != nil {
		l.log.Warn("device unavailable, retrying", "error", err, "backoff", l.opts.ReconnectBackoff)
		return false
	}

	l.mu.Lock()
	if ctx.Err() != nil {
		l.mu.Unlock()
		_ = src.Close()
		return false
	}
	l.src = src
	l.opened++
	reconnect := l.opened > 1
	l.mu.Unlock()

	if reconnect {
		l.opts.Metrics.Reconnects.Inc()
	}
	l.opts.Metrics.SetConnected(true)
	l.log.Info("device connected", "reconnect", reconnect)
	return true
}

func (l *Loop) source() Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src
}

func (l *Loop) closeSource() {
	l.mu.Lock()
	src := l.src
	l.src = nil
	l.mu.Unlock()

	if src == nil {
		return
	}
	if err := src.Close(); err != nil {
		l.log.Debug("device close", "error", err)
	}
	l.opts.Metrics.SetConnected(false)
}

// handleLine parses and stores one line. It returns false when the line only
// extended a pending frame.
func (l *Loop) handleLine(ctx context.Context, line string) bool {
	l.opts.Metrics.LinesRead.Inc()
	if l.opts.LogRawLines {
		attrs := []any{"line", line}
		if !printable(line) {
			attrs = append(attrs, "hex", utils.BytesToHex([]byte(line)))
		}
		l.log.Info("raw line", attrs...)
	}

	text := line
	if l.opts.Framing == FramingAMWS {
		frame, done := l.frames.Add(line)
		if !done {
			return false
		}
		text = frame
	}

	l.setState(Parsing)
	fields, format, err := l.opts.Parser.Parse(text)
	if err != nil {
		l.opts.Metrics.ParseErrors.Inc()
		l.log.Warn("dropping unrecognized input", "error", err)
		return true
	}

	raw := ""
	if l.opts.LogRawLines {
		raw = text
	}
	sample := types.NewSample(l.opts.Now(), fields, raw)

	if ctx.Err() != nil {
		return true
	}
	l.setState(Storing)
	if err := l.sink.WriteLatest(sample); err != nil {
		l.opts.Metrics.StoreErrors.Inc()
		l.log.Error("store failed, keeping previous sample", "error", err)
		return true
	}
	l.opts.Metrics.Stored(sample.Timestamp)
	l.log.Debug("sample stored", "format", format, "fields", fields.Count())
	return true
}

// sleep waits for d or until ctx is done, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func printable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
