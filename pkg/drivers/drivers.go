// Package drivers builds devices from their configuration.
package drivers

import (
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"microscope/pkg/config"
	"microscope/pkg/device"
	"microscope/pkg/drivers/cobolt"
	"microscope/pkg/drivers/simulator"
	"microscope/pkg/drivers/thorlabs"
	"microscope/pkg/drivers/ttl"
	"microscope/pkg/gpio"
)

// Device types accepted in the configuration.
const (
	TypeSimulatedCamera      = "simulator.camera"
	TypeSimulatedLaser       = "simulator.laser"
	TypeSimulatedFilterWheel = "simulator.filterwheel"
	TypeSimulatedMirror      = "simulator.mirror"
	TypeCobolt               = "cobolt"
	TypeThorlabs             = "thorlabs"
	TypeTTL                  = "ttl"
)

type constructor func(cfg config.DeviceConfig, logger log.FieldLogger) (device.Device, error)

var constructors = map[string]constructor{
	TypeSimulatedCamera: func(cfg config.DeviceConfig, logger log.FieldLogger) (device.Device, error) {
		return simulator.NewCamera(cfg.Name, simulator.CameraConfig{
			Width:        cfg.Int("width", 512),
			Height:       cfg.Int("height", 512),
			ExposureTime: cfg.Float("exposure_time", 0.1),
			BufferLength: cfg.BufferLength,
		}, logger)
	},
	TypeSimulatedLaser: func(cfg config.DeviceConfig, logger log.FieldLogger) (device.Device, error) {
		return simulator.NewLaser(cfg.Name, logger)
	},
	TypeSimulatedFilterWheel: func(cfg config.DeviceConfig, logger log.FieldLogger) (device.Device, error) {
		filters, err := filterMap(cfg)
		if err != nil {
			return nil, err
		}
		return simulator.NewFilterWheel(cfg.Name, filters, cfg.Int("positions", 6),
			seconds(cfg.Float("move_time", 0)), logger)
	},
	TypeSimulatedMirror: func(cfg config.DeviceConfig, logger log.FieldLogger) (device.Device, error) {
		return simulator.NewDeformableMirror(cfg.Name, cfg.Int("actuators", 86), logger)
	},
	TypeCobolt: func(cfg config.DeviceConfig, logger log.FieldLogger) (device.Device, error) {
		port, err := requireString(cfg, "port")
		if err != nil {
			return nil, err
		}
		return cobolt.Open(cfg.Name, cobolt.Config{
			Port:    port,
			Baud:    cfg.Int("baud", cobolt.DefaultBaud),
			Timeout: seconds(cfg.Float("timeout", cobolt.DefaultTimeout.Seconds())),
		}, logger)
	},
	TypeThorlabs: func(cfg config.DeviceConfig, logger log.FieldLogger) (device.Device, error) {
		port, err := requireString(cfg, "port")
		if err != nil {
			return nil, err
		}
		filters, err := filterMap(cfg)
		if err != nil {
			return nil, err
		}
		return thorlabs.Open(cfg.Name, thorlabs.Config{
			Port:    port,
			Baud:    cfg.Int("baud", thorlabs.DefaultBaud),
			Timeout: seconds(cfg.Float("timeout", thorlabs.DefaultTimeout.Seconds())),
			Model:   cfg.String("model", "FW102C"),
			Filters: filters,
		}, logger)
	},
	TypeTTL: func(cfg config.DeviceConfig, logger log.FieldLogger) (device.Device, error) {
		pins, err := gpio.NewDriver(cfg.Bool("mock", false), logger)
		if err != nil {
			return nil, err
		}
		return ttl.New(cfg.Name, pins, ttl.Config{
			Pin:       cfg.Int("pin", -1),
			Power:     cfg.Float("power", 0),
			ActiveLow: cfg.Bool("active_low", false),
		}, logger)
	},
}

// Types lists the accepted device types.
func Types() []string {
	types := make([]string, 0, len(constructors))
	for t := range constructors {
		types = append(types, t)
	}
	return types
}

// New builds the device described by cfg. The logger is tagged with the
// device name.
func New(cfg config.DeviceConfig, logger log.FieldLogger) (device.Device, error) {
	ctor, ok := constructors[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown device type %q", device.ErrConfiguration, cfg.Type)
	}
	dev, err := ctor(cfg, logger.WithField("device", cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", cfg.Name, err)
	}
	return dev, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func requireString(cfg config.DeviceConfig, key string) (string, error) {
	v := cfg.String(key, "")
	if v == "" {
		return "", fmt.Errorf("%w: %s device %q needs %q", device.ErrConfiguration, cfg.Type, cfg.Name, key)
	}
	return v, nil
}

// filterMap reads "filters" as either a list, numbered from 0, or a mapping
// of position to name.
func filterMap(cfg config.DeviceConfig) (map[int]string, error) {
	switch raw := cfg.Conf["filters"].(type) {
	case nil:
		return nil, nil
	case []any:
		return device.FiltersFromList(cfg.Strings("filters")), nil
	case map[string]any:
		out := make(map[int]string, len(raw))
		for k, v := range raw {
			pos, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("%w: filter position %q", device.ErrConfiguration, k)
			}
			out[pos] = fmt.Sprint(v)
		}
		return out, nil
	case map[any]any:
		out := make(map[int]string, len(raw))
		for k, v := range raw {
			pos, ok := k.(int)
			if !ok {
				return nil, fmt.Errorf("%w: filter position %v", device.ErrConfiguration, k)
			}
			out[pos] = fmt.Sprint(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: filters must be a list or a mapping", device.ErrConfiguration)
	}
}
