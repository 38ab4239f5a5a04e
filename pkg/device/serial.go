package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Port is the part of a serial port used by SerialComms. go.bug.st/serial
// ports satisfy it.
type Port interface {
	io.ReadWriter
	ResetInputBuffer() error
	Close() error
}

// OpenPort opens a serial port in 8N1 mode. Reads return after timeout with
// no data.
func OpenPort(name string, baud int, timeout time.Duration) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrHardwareCommunication, name, err)
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: %s read timeout: %v", ErrHardwareCommunication, name, err)
	}
	return p, nil
}

// SerialComms serialises command/response exchanges on a serial port.
type SerialComms struct {
	mu   sync.Mutex
	port Port
	eol  []byte
}

// NewSerialComms wraps port. Commands are terminated with eol and responses
// are read up to its last byte.
func NewSerialComms(port Port, eol string) *SerialComms {
	if eol == "" {
		eol = "\r\n"
	}
	return &SerialComms{port: port, eol: []byte(eol)}
}

// LockedSend runs an exchange with exclusive access to the port. Stale input
// is discarded first.
func (s *SerialComms) LockedSend(exchange func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: flush input: %v", ErrHardwareCommunication, err)
	}
	return exchange()
}

// Send writes cmd and returns the response line.
func (s *SerialComms) Send(cmd string) (string, error) {
	var resp []byte
	err := s.LockedSend(func() error {
		if err := s.Write([]byte(cmd)); err != nil {
			return err
		}
		var err error
		resp, err = s.Readline()
		return err
	})
	return string(resp), err
}

// Write sends data followed by the end of line sequence. It must be called
// inside LockedSend.
func (s *SerialComms) Write(data []byte) error {
	msg := append(append([]byte(nil), data...), s.eol...)
	if _, err := s.port.Write(msg); err != nil {
		return fmt.Errorf("%w: write: %v", ErrHardwareCommunication, err)
	}
	return nil
}

// Readline reads up to the end of line and returns it trimmed.
func (s *SerialComms) Readline() ([]byte, error) {
	line, err := s.ReadUntil(s.eol[len(s.eol)-1])
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

// ReadUntil reads up to and including delim. A read returning no data is a
// timeout.
func (s *SerialComms) ReadUntil(delim byte) ([]byte, error) {
	var (
		buf []byte
		b   [1]byte
	)
	for {
		n, err := s.port.Read(b[:])
		if n == 1 {
			buf = append(buf, b[0])
			if b[0] == delim {
				return buf, nil
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return buf, fmt.Errorf("%w: read: %v", ErrHardwareCommunication, err)
		}
		return buf, fmt.Errorf("%w: timeout waiting for %q after %q", ErrHardwareCommunication, delim, buf)
	}
}

func (s *SerialComms) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}
