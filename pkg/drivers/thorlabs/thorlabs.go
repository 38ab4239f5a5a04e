// Package thorlabs drives the Thorlabs FW102C and FW212C filter wheels.
//
// The wheels echo every command, then print the answer of queries on its
// own line, then a '>' prompt. Lines end with a carriage return.
package thorlabs

import (
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"microscope/pkg/device"
)

const (
	DefaultBaud    = 115200
	DefaultTimeout = 100 * time.Millisecond

	// prompt reads that may time out while the wheel is moving
	maxPromptWaits = 10
)

// Positions of the known models.
var Models = map[string]int{
	"FW102C": 6,
	"FW212C": 12,
}

type Config struct {
	Port    string
	Baud    int
	Timeout time.Duration
	Model   string
	Filters map[int]string
}

type FilterWheel struct {
	comms  *device.SerialComms
	logger log.FieldLogger
}

// Open opens the serial port described by cfg and returns the filter wheel
// device.
func Open(name string, cfg Config, logger log.FieldLogger) (*device.FilterWheel, error) {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if _, ok := Models[cfg.Model]; !ok {
		return nil, fmt.Errorf("%w: unknown filter wheel model %q", device.ErrConfiguration, cfg.Model)
	}
	port, err := device.OpenPort(cfg.Port, cfg.Baud, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return New(name, port, cfg.Model, cfg.Filters, logger)
}

// New returns a filter wheel device talking over port.
func New(name string, port device.Port, model string, filters map[int]string, logger log.FieldLogger) (*device.FilterWheel, error) {
	positions, ok := Models[model]
	if !ok {
		return nil, fmt.Errorf("%w: unknown filter wheel model %q", device.ErrConfiguration, model)
	}
	hw := &FilterWheel{comms: device.NewSerialComms(port, "\r"), logger: logger}
	return device.NewFilterWheel(name, hw, logger, filters, positions)
}

// command sends cmd and returns the answer line of queries.
func (w *FilterWheel) command(cmd string, query bool) (string, error) {
	var answer string
	err := w.comms.LockedSend(func() error {
		if err := w.comms.Write([]byte(cmd)); err != nil {
			return err
		}
		echo, err := w.comms.Readline()
		if err != nil {
			return err
		}
		if string(echo) != cmd {
			return fmt.Errorf("%w: fw102c: expected echo of %q, got %q", device.ErrHardwareCommunication, cmd, echo)
		}
		if query {
			line, err := w.comms.Readline()
			if err != nil {
				return err
			}
			answer = string(line)
		}

		for waits := 0; ; waits++ {
			_, err = w.comms.ReadUntil('>')
			if err == nil || waits >= maxPromptWaits {
				return err
			}
		}
	})
	return answer, err
}

func (w *FilterWheel) Initialize() error { return nil }

func (w *FilterWheel) OnEnable() (bool, error) { return true, nil }

func (w *FilterWheel) OnDisable() error { return nil }

func (w *FilterWheel) OnShutdown() error { return w.comms.Close() }

func (w *FilterWheel) Position() (int, error) {
	resp, err := w.command("pos?", true)
	if err != nil {
		return 0, err
	}
	pos, err := strconv.Atoi(resp)
	if err != nil {
		return 0, fmt.Errorf("%w: bad position %q", device.ErrHardwareCommunication, resp)
	}
	return pos, nil
}

func (w *FilterWheel) SetPosition(position int) error {
	w.logger.Infof("Moving to position %d", position)
	_, err := w.command(fmt.Sprintf("pos=%d", position), false)
	return err
}
