// Package serial provides a minimal, Linux-only, line-oriented serial port
// reader for weather stations attached over USB or a UART.
//
// Features:
//   - Raw syscall-based serial I/O on Linux (termios via x/sys/unix)
//   - Line-based reading with a per-call timeout and custom delimiter
//   - Exclusive access: a second Open of the same device reports it busy
//   - Disconnect detection (hang-up, EOF, I/O error) that closes the port
//   - Self-pipe mechanism so Close unblocks a pending read
//
// Typical use, one line per poll:
//
//	port, err := serial.Open(serial.Config{Device: "/dev/ttyUSB0", BaudRate: 9600})
//	if err != nil {
//	    return err // wraps serial.ErrDeviceUnavailable
//	}
//	defer port.Close()
//
//	line, err := port.ReadLine(2 * time.Second)
//	switch {
//	case errors.Is(err, serial.ErrReadTimeout):
//	    // nothing this cycle
//	case errors.Is(err, serial.ErrDeviceDisconnected):
//	    // port is closed, open it again later
//	}
//
// This package does **not** support Windows.
package serial
