// Package cobolt drives Cobolt diode lasers over their serial interface.
package cobolt

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"microscope/pkg/device"
)

const (
	DefaultBaud    = 115200
	DefaultTimeout = 100 * time.Millisecond

	// queries are repeated while the laser answers with an empty line
	queryAttempts = 5
)

type Config struct {
	Port    string
	Baud    int
	Timeout time.Duration
}

// Laser implements the laser hooks for a Cobolt laser. Powers on the wire
// are in W.
type Laser struct {
	comms  *device.SerialComms
	logger log.FieldLogger

	mu     sync.Mutex
	serial string
}

// Open opens the serial port described by cfg and returns the laser device.
func Open(name string, cfg Config, logger log.FieldLogger) (*device.Laser, error) {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	port, err := device.OpenPort(cfg.Port, cfg.Baud, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return New(name, port, logger)
}

// New returns a laser device talking over port.
func New(name string, port device.Port, logger log.FieldLogger) (*device.Laser, error) {
	hw := &Laser{comms: device.NewSerialComms(port, "\r\n"), logger: logger}
	return device.NewLaser(name, hw, logger)
}

func (l *Laser) send(cmd string) (string, error) {
	if !strings.HasSuffix(cmd, "?") {
		return l.comms.Send(cmd)
	}
	var err error
	for range queryAttempts {
		var resp string
		resp, err = l.comms.Send(cmd)
		if err == nil && resp != "" {
			return resp, nil
		}
	}
	if err == nil {
		err = fmt.Errorf("%w: empty response to %q", device.ErrHardwareCommunication, cmd)
	}
	return "", err
}

func (l *Laser) queryFloat(cmd string) (float64, error) {
	resp, err := l.send(cmd)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad response to %q: %q", device.ErrHardwareCommunication, cmd, resp)
	}
	return f, nil
}

// UID is the serial number read during initialization.
func (l *Laser) UID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serial
}

func (l *Laser) Initialize() error {
	sn, err := l.send("sn?")
	if err != nil {
		return err
	}
	l.logger.Infof("Cobolt laser serial number: [%s]", sn)
	l.mu.Lock()
	l.serial = sn
	l.mu.Unlock()

	// autostart and direct control off, then key switch override on
	for _, cmd := range []string{"@cobas 0", "@cobasdr 0", "@cob1"} {
		if _, err := l.send(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (l *Laser) OnEnable() (bool, error) {
	l.logger.Info("Turning laser ON.")
	resp, err := l.send("l1")
	if err != nil {
		return false, err
	}
	l.logger.Infof("l1: [%s]", resp)

	on, err := l.IsOn()
	if err != nil {
		return false, err
	}
	if !on {
		status, _ := l.Status()
		l.logger.Errorf("Failed to turn on. Current status: %s", strings.Join(status, "; "))
		return false, nil
	}
	return true, nil
}

func (l *Laser) OnDisable() error {
	l.logger.Info("Turning laser OFF.")
	_, err := l.send("l0")
	return err
}

func (l *Laser) OnShutdown() error {
	if err := l.OnDisable(); err != nil {
		l.logger.WithError(err).Warn("Disable on shutdown failed")
	}
	_, err := l.send("@cob0")
	if cerr := l.comms.Close(); err == nil {
		err = cerr
	}
	return err
}

// ClearFault resets a latched fault and returns the status afterwards.
func (l *Laser) ClearFault() ([]string, error) {
	if _, err := l.send("cf"); err != nil {
		return nil, err
	}
	return l.Status()
}

func (l *Laser) Status() ([]string, error) {
	var result []string
	for _, q := range []struct{ cmd, label string }{
		{"l?", "Emission on?"},
		{"p?", "Target power:"},
		{"pa?", "Measured power:"},
		{"f?", "Fault?"},
		{"hrs?", "Head operating hours:"},
	} {
		resp, err := l.send(q.cmd)
		if err != nil {
			return result, err
		}
		result = append(result, q.label+" "+resp)
	}
	return result, nil
}

func (l *Laser) IsOn() (bool, error) {
	resp, err := l.send("l?")
	if err != nil {
		return false, err
	}
	return resp == "1", nil
}

func (l *Laser) MinPower() (float64, error) { return 0, nil }

func (l *Laser) MaxPower() (float64, error) { return l.queryFloat("gmlp?") }

// Power is the measured output, zero with emission off.
func (l *Laser) Power() (float64, error) {
	on, err := l.IsOn()
	if err != nil || !on {
		return 0, err
	}
	w, err := l.queryFloat("pa?")
	if err != nil {
		return 0, err
	}
	return 1000 * w, nil
}

func (l *Laser) SetPower(mw float64) error {
	w := strconv.FormatFloat(mw/1000, 'f', 4, 64)
	l.logger.Infof("Setting laser power to %s W.", w)
	_, err := l.send("@cobasp " + w)
	return err
}
