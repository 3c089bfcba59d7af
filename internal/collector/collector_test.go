package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/wxq19/sabr-wx/internal/metrics"
	"github.com/wxq19/sabr-wx/internal/serial"
	"github.com/wxq19/sabr-wx/internal/store"
	"github.com/wxq19/sabr-wx/internal/types"
)

type readResult struct {
	line string
	err  error
}

// fakeSource behaves like a serial.Port: ReadLine blocks until a line is
// sent, the timeout passes or Close is called.
type fakeSource struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSource) ReadLine(timeout time.Duration) (string, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-s.reads:
		return r.line, r.err
	case <-s.closed:
		return "", serial.ErrClosed
	case <-t.C:
		return "", serial.ErrReadTimeout
	}
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeDevice hands out fakeSources while it is plugged in.
type fakeDevice struct {
	mu        sync.Mutex
	available bool
	current   *fakeSource
	opens     int
	failures  int
}

func (d *fakeDevice) open() (Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.available {
		d.failures++
		return nil, fmt.Errorf("open /dev/ttyFAKE: %w", serial.ErrDeviceUnavailable)
	}
	d.opens++
	d.current = &fakeSource{reads: make(chan readResult), closed: make(chan struct{})}
	return d.current, nil
}

func (d *fakeDevice) setAvailable(v bool) {
	d.mu.Lock()
	d.available = v
	d.mu.Unlock()
}

func (d *fakeDevice) source() *fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *fakeDevice) counts() (opens, failures int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.failures
}

// send delivers a line to the currently open source.
func (d *fakeDevice) send(t *testing.T, line string) {
	t.Helper()
	d.deliver(t, readResult{line: line})
}

// unplug makes the pending read fail with a disconnect and keeps the
// device away until setAvailable(true).
func (d *fakeDevice) unplug(t *testing.T) {
	t.Helper()
	d.setAvailable(false)
	d.deliver(t, readResult{err: fmt.Errorf("%w: read: input/output error", serial.ErrDeviceDisconnected)})
}

func (d *fakeDevice) deliver(t *testing.T, r readResult) {
	t.Helper()
	require.Eventually(t, func() bool { return d.source() != nil }, 2*time.Second, time.Millisecond)
	select {
	case d.source().reads <- r:
	case <-time.After(2 * time.Second):
		t.Fatalf("collector did not read %+v", r)
	}
}

type failingSink struct {
	mu    sync.Mutex
	fails int
	next  Sink
}

func (s *failingSink) WriteLatest(sample types.Sample) error {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return fmt.Errorf("%w: disk full", store.ErrStore)
	}
	s.mu.Unlock()
	return s.next.WriteLatest(sample)
}

var fixedNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func testOptions(m *metrics.Metrics) Options {
	return Options{
		PollInterval:     5 * time.Millisecond,
		ReadTimeout:      50 * time.Millisecond,
		ReconnectBackoff: 10 * time.Millisecond,
		Metrics:          m,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:              func() time.Time { return fixedNow },
	}
}

func start(t *testing.T, l *Loop) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var once sync.Once
	var result error
	cancel = func() error {
		once.Do(func() {
			stop()
			select {
			case result = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
		return result
	}
	t.Cleanup(func() { cancel() })
	return cancel
}

func waitForTemperature(t *testing.T, path string, want float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := store.ReadLatest(path)
		return err == nil && s.Temperature != nil && *s.Temperature == want
	}, 2*time.Second, 2*time.Millisecond)
}

func TestLoop_StoresFullLine(t *testing.T) {
	dev := &fakeDevice{available: true}
	path := filepath.Join(t.TempDir(), "latest.json")
	m := metrics.New()
	start(t, New(dev.open, store.New(path), testOptions(m)))

	dev.send(t, "T=23.4,H=56.1,P=1012.8")
	waitForTemperature(t, path, 23.4)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t,
		`{"ts":"2024-06-01T10:00:00Z","temperature_c":23.4,"humidity_pct":56.1,"pressure_hpa":1012.8}`+"\n",
		string(data))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SamplesStored))
}

func TestLoop_PartialLineStored(t *testing.T) {
	dev := &fakeDevice{available: true}
	path := filepath.Join(t.TempDir(), "latest.json")
	start(t, New(dev.open, store.New(path), testOptions(metrics.New())))

	dev.send(t, "T=23.4")
	waitForTemperature(t, path, 23.4)

	s, err := store.ReadLatest(path)
	require.NoError(t, err)
	require.Nil(t, s.Humidity)
	require.Nil(t, s.Pressure)
}

func TestLoop_GarbageKeepsPreviousSample(t *testing.T) {
	dev := &fakeDevice{available: true}
	path := filepath.Join(t.TempDir(), "latest.json")
	m := metrics.New()
	start(t, New(dev.open, store.New(path), testOptions(m)))

	dev.send(t, "T=20,H=40,P=1000")
	waitForTemperature(t, path, 20)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	dev.send(t, "garbage")
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.ParseErrors) == 1 }, 2*time.Second, time.Millisecond)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.Equal(before, after), "artifact changed:\n%s\n%s", before, after)
	require.Equal(t, 1.0, testutil.ToFloat64(m.SamplesStored))
}

func TestLoop_ReconnectsAfterDisconnect(t *testing.T) {
	dev := &fakeDevice{available: true}
	path := filepath.Join(t.TempDir(), "latest.json")
	m := metrics.New()
	l := New(dev.open, store.New(path), testOptions(m))
	start(t, l)

	dev.send(t, "T=1")
	waitForTemperature(t, path, 1)
	first := dev.source()

	dev.unplug(t)
	require.Eventually(t, func() bool {
		_, failures := dev.counts()
		return failures >= 2 && l.State() == Connecting
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, 0.0, testutil.ToFloat64(m.DeviceConnected))

	select {
	case <-first.closed:
	default:
		t.Fatal("disconnected source was not closed")
	}

	dev.setAvailable(true)
	require.Eventually(t, func() bool { return dev.source() != first }, 2*time.Second, time.Millisecond)
	dev.send(t, "T=2")
	waitForTemperature(t, path, 2)

	opens, _ := dev.counts()
	require.Equal(t, 2, opens)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DeviceConnected))
}

func TestLoop_RetriesUntilDeviceAppears(t *testing.T) {
	dev := &fakeDevice{}
	path := filepath.Join(t.TempDir(), "latest.json")
	start(t, New(dev.open, store.New(path), testOptions(metrics.New())))

	require.Eventually(t, func() bool {
		_, failures := dev.counts()
		return failures >= 3
	}, 2*time.Second, time.Millisecond)
	_, err := store.ReadLatest(path)
	require.ErrorIs(t, err, store.ErrNoSample)

	dev.setAvailable(true)
	dev.send(t, "temperature=5.5")
	waitForTemperature(t, path, 5.5)
}

func TestLoop_StoreErrorIsNotFatal(t *testing.T) {
	dev := &fakeDevice{available: true}
	path := filepath.Join(t.TempDir(), "latest.json")
	m := metrics.New()
	sink := &failingSink{fails: 1, next: store.New(path)}
	start(t, New(dev.open, sink, testOptions(m)))

	dev.send(t, "T=1")
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.StoreErrors) == 1 }, 2*time.Second, time.Millisecond)
	_, err := store.ReadLatest(path)
	require.ErrorIs(t, err, store.ErrNoSample)

	dev.send(t, "T=2")
	waitForTemperature(t, path, 2)
}

func TestLoop_ShutdownUnblocksRead(t *testing.T) {
	dev := &fakeDevice{available: true}
	path := filepath.Join(t.TempDir(), "latest.json")
	opts := testOptions(metrics.New())
	opts.ReadTimeout = time.Minute
	l := New(dev.open, store.New(path), opts)
	cancel := start(t, l)

	require.Eventually(t, func() bool { return l.State() == Reading }, 2*time.Second, time.Millisecond)
	src := dev.source()

	begin := time.Now()
	err := cancel()
	require.True(t, errors.Is(err, context.Canceled), "Run() error = %v", err)
	require.Less(t, time.Since(begin), time.Second)
	require.Equal(t, Stopped, l.State())

	select {
	case <-src.closed:
	default:
		t.Fatal("source not closed on shutdown")
	}
	_, err = store.ReadLatest(path)
	require.ErrorIs(t, err, store.ErrNoSample)
}

func TestLoop_RawLineKeptWhenLogging(t *testing.T) {
	dev := &fakeDevice{available: true}
	path := filepath.Join(t.TempDir(), "latest.json")
	var logs bytes.Buffer
	var logsMu sync.Mutex
	opts := testOptions(metrics.New())
	opts.LogRawLines = true
	opts.Logger = slog.New(slog.NewTextHandler(&lockedWriter{w: &logs, mu: &logsMu}, nil))
	start(t, New(dev.open, store.New(path), opts))

	dev.send(t, "T=7,WIND=2")
	waitForTemperature(t, path, 7)

	s, err := store.ReadLatest(path)
	require.NoError(t, err)
	require.Equal(t, "T=7,WIND=2", s.RawLine)

	logsMu.Lock()
	defer logsMu.Unlock()
	require.Contains(t, logs.String(), `msg="raw line" line="T=7,WIND=2"`)
}

func TestLoop_AMWSFrames(t *testing.T) {
	dev := &fakeDevice{available: true}
	path := filepath.Join(t.TempDir(), "latest.json")
	m := metrics.New()
	opts := testOptions(m)
	opts.Framing = FramingAMWS
	start(t, New(dev.open, store.New(path), opts))

	for _, line := range []string{"AMWS01", "TA:22.4", "BA:1001.90", "RH:50"} {
		dev.send(t, line)
	}
	require.Equal(t, 0.0, testutil.ToFloat64(m.SamplesStored))

	dev.send(t, "~")
	waitForTemperature(t, path, 22.4)

	s, err := store.ReadLatest(path)
	require.NoError(t, err)
	require.Equal(t, 50.0, *s.Humidity)
	require.Equal(t, 1001.9, *s.Pressure)
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
