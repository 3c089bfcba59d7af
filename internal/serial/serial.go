package serial

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrDeviceUnavailable: the device is missing, not permitted, busy or not a terminal.
	ErrDeviceUnavailable = errors.New("serial device unavailable")
	// ErrReadTimeout: no complete line within the timeout. Transient.
	ErrReadTimeout = errors.New("serial read timeout")
	// ErrDeviceDisconnected: the device went away mid-read. The port is closed.
	ErrDeviceDisconnected = errors.New("serial device disconnected")
	// ErrClosed: the port was closed, usually by a shutdown.
	ErrClosed = errors.New("serial port closed")
)

// maxLineBytes caps a line without delimiter; longer input is discarded.
const maxLineBytes = 64 << 10

// State of a Port.
type State int32

const (
	Disconnected State = iota
	Connected
	Reading
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reading:
		return "reading"
	default:
		return "disconnected"
	}
}

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device    string
	BaudRate  int
	Delimiter string // default "\n"
}

// Port is an open, exclusively locked serial device read line by line.
// ReadLine must be called from one goroutine at a time; Close may be called
// from any goroutine and unblocks a pending ReadLine.
type Port struct {
	fd    int
	pipeR int // self-pipe read fd
	pipeW int // self-pipe write fd
	delim []byte

	mu       sync.Mutex // held by ReadLine and by release
	released bool
	buf      []byte
	// discarding is set while the rest of an overlong line is skipped.
	discarding bool

	done       chan struct{}
	signalOnce sync.Once
	state      atomic.Int32
}

// Open opens the device in raw 8N1 mode at the configured baud rate and
// takes an exclusive lock on it. Errors from the device itself wrap
// ErrDeviceUnavailable.
func Open(cfg Config) (*Port, error) {
	baud, err := baudToUnix(cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = "\n"
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", cfg.Device, ErrDeviceUnavailable, err)
	}
	fail := func(step string, err error) (*Port, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("%s %s: %w: %w", step, cfg.Device, ErrDeviceUnavailable, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); errors.Is(err, unix.EWOULDBLOCK) {
		return fail("lock", err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fail("get termios", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud
	termios.Ispeed = baud
	termios.Ospeed = baud

	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fail("set termios", err)
	}
	// stale bytes from before we opened are not part of any current line
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)

	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	p := &Port{
		fd:    fd,
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
		delim: []byte(cfg.Delimiter),
		done:  make(chan struct{}),
	}
	p.state.Store(int32(Connected))
	return p, nil
}

// State reports whether the port is connected, reading or gone.
func (p *Port) State() State {
	return State(p.state.Load())
}

// ReadLine returns the next non-empty line without its delimiter. A trailing
// carriage return and invalid UTF-8 sequences are dropped. Bytes of an
// incomplete line are kept for the next call.
func (p *Port) ReadLine(timeout time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return "", ErrClosed
	}
	p.state.Store(int32(Reading))
	defer func() {
		if !p.released {
			p.state.Store(int32(Connected))
		}
	}()

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 4096)
	for {
		if line, ok := p.nextLine(); ok {
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrReadTimeout
		}

		pfd := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.pipeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, pollMillis(remaining))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return "", p.disconnect(fmt.Errorf("poll: %w", err))
		}
		if n == 0 {
			return "", ErrReadTimeout
		}

		// Check killability
		select {
		case <-p.done:
			return "", ErrClosed
		default:
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			return "", ErrClosed
		}

		rev := pfd[0].Revents
		if rev&unix.POLLNVAL != 0 {
			return "", p.disconnect(errors.New("invalid descriptor"))
		}
		if rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		n, err = unix.Read(p.fd, chunk)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return "", p.disconnect(fmt.Errorf("read: %w", err))
		case n == 0:
			return "", p.disconnect(errors.New("end of file"))
		}
		p.buf = append(p.buf, chunk[:n]...)
	}
}

// nextLine pops the next complete line off buf. A line longer than
// maxLineBytes is dropped whole, up to and including its delimiter.
func (p *Port) nextLine() (string, bool) {
	for {
		idx := bytes.Index(p.buf, p.delim)
		if idx < 0 {
			if len(p.buf) > maxLineBytes {
				// keep a possible delimiter prefix at the end
				keep := len(p.delim) - 1
				p.buf = append(p.buf[:0], p.buf[len(p.buf)-keep:]...)
				p.discarding = true
			}
			return "", false
		}
		raw := p.buf[:idx]
		line := strings.ToValidUTF8(strings.TrimRight(string(raw), "\r"), "")
		p.buf = append(p.buf[:0], p.buf[idx+len(p.delim):]...)
		if p.discarding || idx > maxLineBytes {
			p.discarding = false
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, true
	}
}

// disconnect releases the port from inside ReadLine, which holds p.mu.
func (p *Port) disconnect(cause error) error {
	p.signal()
	_ = p.releaseLocked()
	return fmt.Errorf("%w: %w", ErrDeviceDisconnected, cause)
}

// Close closes the port and unblocks any ReadLine call.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	p.signal()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked()
}

func (p *Port) signal() {
	p.signalOnce.Do(func() {
		close(p.done)
		// Wake up poll using self-pipe
		_, _ = unix.Write(p.pipeW, []byte{1})
	})
}

func (p *Port) releaseLocked() error {
	if p.released {
		return nil
	}
	p.released = true
	p.state.Store(int32(Disconnected))
	p.buf = nil

	_ = unix.Flock(p.fd, unix.LOCK_UN)
	err := unix.Close(p.fd)
	unix.Close(p.pipeR)
	unix.Close(p.pipeW)
	return err
}

func pollMillis(d time.Duration) int {
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}
