package collector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/wxq19/sabr-wx/internal/metrics"
	"github.com/wxq19/sabr-wx/internal/serial"
	"github.com/wxq19/sabr-wx/internal/store"
)

// plug creates a fresh pty and points link at its slave, the way udev
// re-creates /dev/serial/by-id links when a USB adapter comes back.
func plug(t *testing.T, link string) *os.File {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	_ = os.Remove(link)
	require.NoError(t, os.Symlink(slave.Name(), link))
	return master
}

// keepWriting writes line until the sample shows up; the port flushes
// input on open, so an early write may be discarded.
func keepWriting(t *testing.T, master *os.File, line, path string, want float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, _ = master.Write([]byte(line + "\r\n"))
		s, err := store.ReadLatest(path)
		return err == nil && s.Temperature != nil && *s.Temperature == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLoop_SerialDisconnectAndReturn(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "ttyWX")
	path := filepath.Join(dir, "out", "latest.json")

	open := func() (Source, error) {
		return serial.Open(serial.Config{Device: link, BaudRate: 9600})
	}
	m := metrics.New()
	l := New(open, store.New(path), testOptions(m))

	master := plug(t, link)
	start(t, l)
	keepWriting(t, master, "T=11.5,H=40,P=1001", path, 11.5)

	// unplug: hang up the pty and remove the link
	require.NoError(t, master.Close())
	require.NoError(t, os.Remove(link))
	require.Eventually(t, func() bool { return l.State() == Connecting }, 2*time.Second, time.Millisecond)

	master = plug(t, link)
	keepWriting(t, master, "T=12.5", path, 12.5)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
	s, err := store.ReadLatest(path)
	require.NoError(t, err)
	require.Nil(t, s.Humidity)
}
