package deviceserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"microscope/pkg/device"
)

const defaultGrabTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// DeviceHandler serves the API of one device.
type DeviceHandler struct {
	srv    *Server
	s      *served
	logger log.FieldLogger
}

func newDeviceHandler(srv *Server, s *served) *DeviceHandler {
	return &DeviceHandler{
		srv:    srv,
		s:      s,
		logger: srv.logger.WithField("device", s.dev.Name()),
	}
}

// RegisterRoutes adds the routes of every API the device supports.
func (h *DeviceHandler) RegisterRoutes(mux *http.ServeMux) {
	h.registerDevice(mux)

	dev := h.s.dev
	if ds, ok := dev.(device.DataSource); ok {
		h.registerDataSource(mux, ds)
	}
	if t, ok := dev.(triggerable); ok {
		h.registerTrigger(mux, t)
	}
	switch d := dev.(type) {
	case *device.Camera:
		h.registerCamera(mux, d)
	case *device.Laser:
		h.registerLaser(mux, d)
	case *device.DeformableMirror:
		h.registerMirror(mux, d)
	case *device.FilterWheel:
		h.registerFilterWheel(mux, d)
	}
}

func (h *DeviceHandler) registerDevice(mux *http.ServeMux) {
	dev := h.s.dev

	mux.Handle("GET /name", handle(func(r *request) (any, error) {
		return dev.Name(), nil
	}))
	mux.Handle("GET /info", handle(func(r *request) (any, error) {
		return h.s.info(), nil
	}))
	mux.Handle("GET /state", handle(func(r *request) (any, error) {
		return dev.State().String(), nil
	}))
	mux.Handle("GET /enabled", handle(func(r *request) (any, error) {
		return dev.Enabled(), nil
	}))

	mux.Handle("PUT /initialize", handle(func(r *request) (any, error) {
		if err := dev.Initialize(); err != nil {
			return nil, err
		}
		h.srv.restoreSettings(h.s)
		return true, nil
	}))
	mux.Handle("PUT /enable", handle(func(r *request) (any, error) {
		return dev.Enable(), nil
	}))
	mux.Handle("PUT /disable", handle(func(r *request) (any, error) {
		return true, dev.Disable()
	}))
	mux.Handle("PUT /shutdown", handle(func(r *request) (any, error) {
		return true, dev.Shutdown()
	}))
	mux.Handle("PUT /makesafe", handle(func(r *request) (any, error) {
		return true, dev.MakeSafe()
	}))

	mux.Handle("GET /settings", handle(func(r *request) (any, error) {
		return dev.GetAllSettings()
	}))
	mux.Handle("GET /settings/{name}", handle(func(r *request) (any, error) {
		return dev.GetSetting(r.PathValue("name"))
	}))
	mux.Handle("PUT /settings/{name}", handle(func(r *request) (any, error) {
		var value any
		if err := r.JSON("Value", &value); err != nil {
			return nil, err
		}
		name := r.PathValue("name")
		if err := dev.SetSetting(name, value); err != nil {
			return nil, err
		}
		h.srv.saveSettings(h.s)
		return dev.GetSetting(name)
	}))
	mux.Handle("GET /describe", handle(func(r *request) (any, error) {
		return dev.DescribeSettings(), nil
	}))
	mux.Handle("GET /describe/{name}", handle(func(r *request) (any, error) {
		return dev.DescribeSetting(r.PathValue("name"))
	}))
	mux.Handle("PUT /updatesettings", handle(func(r *request) (any, error) {
		var incoming map[string]any
		if err := r.JSON("Settings", &incoming); err != nil {
			return nil, err
		}
		initAll, err := r.Bool("Init", false)
		if err != nil {
			return nil, err
		}
		results, err := dev.UpdateSettings(incoming, initAll)
		if err != nil {
			return nil, err
		}
		h.srv.saveSettings(h.s)
		return results, nil
	}))
}

// Sample is the JSON form of a grabbed data item.
type Sample struct {
	Timestamp time.Time `json:"Timestamp"`
	Data      any       `json:"Data"`
}

func (h *DeviceHandler) registerDataSource(mux *http.ServeMux, ds device.DataSource) {
	setClient := handle(func(r *request) (any, error) {
		uri, _ := r.lookup("Client")
		if uri == "" {
			ds.SetClient(nil)
			return true, nil
		}
		c, err := h.srv.resolver.Resolve(uri)
		if err != nil {
			return nil, err
		}
		ds.SetClient(c)
		return true, nil
	})
	mux.Handle("PUT /setclient", setClient)
	mux.Handle("PUT /receiveclient", setClient)

	mux.Handle("PUT /grabnextdata", handle(func(r *request) (any, error) {
		soft, err := r.Bool("SoftTrigger", true)
		if err != nil {
			return nil, err
		}
		timeout := defaultGrabTimeout
		if _, ok := r.lookup("Timeout"); ok {
			secs, err := r.Float("Timeout")
			if err != nil {
				return nil, err
			}
			timeout = time.Duration(secs * float64(time.Second))
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		data, ts, err := ds.GrabNextData(ctx, soft)
		if err != nil {
			return nil, err
		}
		return Sample{Timestamp: ts, Data: data}, nil
	}))
	mux.Handle("PUT /abort", handle(func(r *request) (any, error) {
		return true, ds.Abort()
	}))
	mux.Handle("PUT /softtrigger", handle(func(r *request) (any, error) {
		return true, ds.SoftTrigger()
	}))
	mux.Handle("GET /acquiring", handle(func(r *request) (any, error) {
		return ds.Acquiring(), nil
	}))

	// The stream endpoint makes the websocket peer the current client until
	// it disconnects.
	mux.HandleFunc("GET /stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Errorf("websocket upgrade failed: %v", err)
			return
		}
		c := NewWSClient(conn, h.logger)
		release := ds.Lease(c)
		h.logger.Infof("Streaming to %s", c)
		c.readPump()
		release()
		h.logger.Infof("Stream %s ended", c)
	})
}

type triggerable interface {
	Triggering() (*device.Triggering, bool)
}

// TriggerConfig is the JSON form of a trigger configuration.
type TriggerConfig struct {
	Type string `json:"TriggerType"`
	Mode string `json:"TriggerMode"`
}

func (h *DeviceHandler) registerTrigger(mux *http.ServeMux, t triggerable) {
	mux.Handle("GET /trigger", handle(func(r *request) (any, error) {
		tr, ok := t.Triggering()
		if !ok {
			return nil, fmt.Errorf("%w: device has no trigger", device.ErrNotSupported)
		}
		return TriggerConfig{Type: tr.TriggerType().String(), Mode: tr.TriggerMode().String()}, nil
	}))
	mux.Handle("PUT /trigger", handle(func(r *request) (any, error) {
		tr, ok := t.Triggering()
		if !ok {
			return nil, fmt.Errorf("%w: device has no trigger", device.ErrNotSupported)
		}
		typ, err := r.Param("TriggerType")
		if err != nil {
			return nil, err
		}
		mode, err := r.Param("TriggerMode")
		if err != nil {
			return nil, err
		}
		tt, err := lookupEnum(device.TriggerTypes, typ)
		if err != nil {
			return nil, err
		}
		tm, err := lookupEnum(device.TriggerModes, mode)
		if err != nil {
			return nil, err
		}
		set := func() error {
			return tr.SetTrigger(device.TriggerType(tt.Value), device.TriggerMode(tm.Value))
		}
		if k, ok := t.(keepAcquirer); ok {
			return true, k.KeepAcquiring(set)
		}
		return true, set()
	}))
}

type keepAcquirer interface {
	KeepAcquiring(fn func() error) error
}

// lookupEnum accepts a member name or its number.
func lookupEnum(e device.EnumType, s string) (device.EnumMember, error) {
	if i, err := strconv.Atoi(s); err == nil {
		return device.Lookup(e, i)
	}
	return device.Lookup(e, s)
}

func (h *DeviceHandler) registerCamera(mux *http.ServeMux, c *device.Camera) {
	mux.Handle("GET /exposuretime", handle(func(r *request) (any, error) {
		return c.ExposureTime()
	}))
	mux.Handle("PUT /exposuretime", handle(func(r *request) (any, error) {
		v, err := r.Float("Value")
		if err != nil {
			return nil, err
		}
		return true, c.KeepAcquiring(func() error { return c.SetExposureTime(v) })
	}))
	mux.Handle("GET /cycletime", handle(func(r *request) (any, error) {
		return c.CycleTime()
	}))
	mux.Handle("GET /sensorshape", handle(func(r *request) (any, error) {
		return c.SensorShape()
	}))
	mux.Handle("GET /sensortemperature", handle(func(r *request) (any, error) {
		return c.SensorTemperature()
	}))
	mux.Handle("GET /binning", handle(func(r *request) (any, error) {
		return c.Binning()
	}))
	mux.Handle("PUT /binning", handle(func(r *request) (any, error) {
		var b [2]int
		if err := r.JSON("Value", &b); err != nil {
			return nil, err
		}
		return true, c.KeepAcquiring(func() error { return c.SetBinning(device.Binning{H: b[0], V: b[1]}) })
	}))
	mux.Handle("GET /roi", handle(func(r *request) (any, error) {
		return c.ROI()
	}))
	mux.Handle("PUT /roi", handle(func(r *request) (any, error) {
		var v [4]int
		if err := r.JSON("Value", &v); err != nil {
			return nil, err
		}
		roi := device.ROI{Left: v[0], Top: v[1], Width: v[2], Height: v[3]}
		return true, c.KeepAcquiring(func() error { return c.SetROI(roi) })
	}))
	mux.Handle("GET /transform", handle(func(r *request) (any, error) {
		return c.Transform(), nil
	}))
	mux.Handle("PUT /transform", handle(func(r *request) (any, error) {
		var t device.Transform
		if err := r.JSON("Value", &t); err != nil {
			return nil, err
		}
		return true, c.SetTransform(t)
	}))
	mux.Handle("GET /readoutmodes", handle(func(r *request) (any, error) {
		return c.ReadoutModes(), nil
	}))
	mux.Handle("GET /readoutmode", handle(func(r *request) (any, error) {
		return c.ReadoutMode(), nil
	}))
	mux.Handle("PUT /readoutmode", handle(func(r *request) (any, error) {
		i, err := r.Int("Value")
		if err != nil {
			return nil, err
		}
		return true, c.KeepAcquiring(func() error { return c.SetReadoutMode(i) })
	}))
}

func (h *DeviceHandler) registerLaser(mux *http.ServeMux, l *device.Laser) {
	mux.Handle("GET /status", handle(func(r *request) (any, error) {
		return l.Status()
	}))
	mux.Handle("GET /ison", handle(func(r *request) (any, error) {
		return l.IsOn()
	}))
	mux.Handle("GET /minpower", handle(func(r *request) (any, error) {
		return l.MinPower()
	}))
	mux.Handle("GET /maxpower", handle(func(r *request) (any, error) {
		return l.MaxPower()
	}))
	mux.Handle("GET /power", handle(func(r *request) (any, error) {
		return l.Power()
	}))
	mux.Handle("PUT /power", handle(func(r *request) (any, error) {
		v, err := r.Float("Value")
		if err != nil {
			return nil, err
		}
		return true, l.SetPower(v)
	}))
	mux.Handle("GET /setpoint", handle(func(r *request) (any, error) {
		if sp, ok := l.SetPoint(); ok {
			return sp, nil
		}
		return nil, nil
	}))
}

func (h *DeviceHandler) registerMirror(mux *http.ServeMux, m *device.DeformableMirror) {
	mux.Handle("GET /nactuators", handle(func(r *request) (any, error) {
		return m.NActuators(), nil
	}))
	mux.Handle("PUT /applypattern", handle(func(r *request) (any, error) {
		var pattern []float64
		if err := r.JSON("Pattern", &pattern); err != nil {
			return nil, err
		}
		return true, m.ApplyPattern(pattern)
	}))
	mux.Handle("PUT /queuepatterns", handle(func(r *request) (any, error) {
		var patterns [][]float64
		if err := r.JSON("Patterns", &patterns); err != nil {
			return nil, err
		}
		return true, m.QueuePatterns(patterns)
	}))
	mux.Handle("PUT /nextpattern", handle(func(r *request) (any, error) {
		return true, m.NextPattern()
	}))
}

func (h *DeviceHandler) registerFilterWheel(mux *http.ServeMux, w *device.FilterWheel) {
	mux.Handle("GET /position", handle(func(r *request) (any, error) {
		return w.Position()
	}))
	mux.Handle("PUT /position", handle(func(r *request) (any, error) {
		p, err := r.Int("Value")
		if err != nil {
			return nil, err
		}
		return true, w.SetPosition(p)
	}))
	mux.Handle("GET /filters", handle(func(r *request) (any, error) {
		return w.Filters(), nil
	}))
	mux.Handle("GET /numpositions", handle(func(r *request) (any, error) {
		return w.NumPositions(), nil
	}))
}
