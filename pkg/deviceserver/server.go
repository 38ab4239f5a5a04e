package deviceserver

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"microscope/pkg/device"
)

// InitRetryInterval is the wait between failed initialization attempts.
const InitRetryInterval = 5 * time.Second

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// Server exposes a set of devices over HTTP, with a management API that
// lists them and a setup page to edit their settings.
type Server struct {
	description ServerDescription
	devices     []*served

	store    *Store
	tmpl     *template.Template
	resolver *Resolver
	logger   log.FieldLogger
}

// NewServer creates a server. store and tmpl may be nil, disabling settings
// persistence and the setup page.
func NewServer(description ServerDescription, store *Store, tmpl *template.Template, resolver *Resolver, logger log.FieldLogger) *Server {
	server := Server{
		description: description,
		store:       store,
		tmpl:        tmpl,
		resolver:    resolver,
		logger:      logger,
	}

	return &server
}

// AddDevice registers dev and returns how it is served. Devices are numbered
// from 0 within each device type.
func (s *Server) AddDevice(dev device.Device, uid string) DeviceInfo {
	typ := DeviceType(dev)
	number := 0
	for _, d := range s.devices {
		if DeviceType(d.dev) == typ {
			number++
		}
	}

	sd := &served{dev: dev, number: number, uid: uid}
	s.devices = append(s.devices, sd)
	return sd.info()
}

// Devices returns the served devices in registration order.
func (s *Server) Devices() []device.Device {
	out := make([]device.Device, len(s.devices))
	for i, d := range s.devices {
		out[i] = d.dev
	}
	return out
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	// Add management routes
	r.Handle("GET /management/apiversions", handle(s.handleAPIVersions))
	r.Handle("GET /management/v1/description", handle(s.handleDescription))
	r.Handle("GET /management/v1/configureddevices", handle(s.handleConfiguredDevices))
	r.HandleFunc("/setup", s.handleSetup)

	// Create handlers for each device
	for _, sd := range s.devices {
		mux := http.NewServeMux()
		s.logger.Infof("Serving %s at %s", sd.dev.Name(), sd.path())
		newDeviceHandler(s, sd).RegisterRoutes(mux)

		apiPrefix := "/api/v1/" + sd.path()
		r.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, mux))

		r.HandleFunc("/setup/v1/"+sd.path(), s.handleDeviceSetup(sd))
	}

	return r
}

func (s *Server) handleAPIVersions(r *request) (any, error) {
	return []int{1}, nil
}

func (s *Server) handleDescription(r *request) (any, error) {
	return s.description, nil
}

func (s *Server) handleConfiguredDevices(r *request) (any, error) {
	deviceInfo := make([]DeviceInfo, 0, len(s.devices))
	for _, sd := range s.devices {
		deviceInfo = append(deviceInfo, sd.info())
	}

	return deviceInfo, nil
}

// InitializeDevices initializes every uninitialized device, retrying the
// failed ones until they succeed or ctx is done.
func (s *Server) InitializeDevices(ctx context.Context, interval time.Duration) {
	done := make(chan struct{})
	for _, sd := range s.devices {
		go func() {
			s.initialize(ctx, sd, interval)
			done <- struct{}{}
		}()
	}
	for range s.devices {
		<-done
	}
}

func (s *Server) initialize(ctx context.Context, sd *served, interval time.Duration) {
	logger := s.logger.WithField("device", sd.dev.Name())
	for sd.dev.State() == device.StateUninitialized {
		err := sd.dev.Initialize()
		if err == nil {
			logger.Info("Device initialized")
			s.restoreSettings(sd)
			return
		}
		logger.Errorf("Failed to initialize, retrying in %v: %v", interval, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Shutdown shuts every device down, logging failures.
func (s *Server) Shutdown() {
	for _, sd := range s.devices {
		if err := sd.dev.Shutdown(); err != nil {
			s.logger.WithField("device", sd.dev.Name()).Errorf("Shutdown failed: %v", err)
		}
	}
}

type settingsOwner interface {
	Settings() *device.Settings
}

// persistable returns the current values of the settings that can be
// written back.
func persistable(dev device.Device) (map[string]any, error) {
	owner, ok := dev.(settingsOwner)
	if !ok {
		return dev.GetAllSettings()
	}
	settings := owner.Settings()
	out := make(map[string]any)
	for _, name := range settings.Names() {
		st, err := settings.Lookup(name)
		if err != nil {
			return nil, err
		}
		if !st.Settable() || st.Readonly() {
			continue
		}
		v, err := st.Get()
		if err != nil {
			return nil, fmt.Errorf("get %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func (s *Server) saveSettings(sd *served) {
	if s.store == nil {
		return
	}
	logger := s.logger.WithField("device", sd.dev.Name())
	values, err := persistable(sd.dev)
	if err != nil {
		logger.Errorf("Failed to read settings: %v", err)
		return
	}
	if err := s.store.SaveSettings(sd.uniqueID(), values); err != nil {
		logger.Errorf("Failed to save settings: %v", err)
	}
}

func (s *Server) restoreSettings(sd *served) {
	if s.store == nil {
		return
	}
	logger := s.logger.WithField("device", sd.dev.Name())
	saved, ok, err := s.store.LoadSettings(sd.uniqueID())
	if err != nil {
		logger.Errorf("Failed to load settings: %v", err)
		return
	}
	if !ok {
		return
	}
	if _, err := sd.dev.UpdateSettings(saved, false); err != nil {
		logger.Errorf("Failed to restore settings: %v", err)
		return
	}
	logger.Infof("Restored %d settings", len(saved))
}

type setupSetting struct {
	Name     string
	Type     device.DType
	Readonly bool
	Value    string
	Values   string
}

type setupDevice struct {
	Info     DeviceInfo
	Path     string
	State    string
	Settings []setupSetting
	Error    string
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func (s *Server) setupData(sd *served) setupDevice {
	data := setupDevice{
		Info:  sd.info(),
		Path:  sd.path(),
		State: sd.dev.State().String(),
	}
	if sd.dev.State() == device.StateUninitialized || sd.dev.State() == device.StateShutdown {
		return data
	}
	values, err := sd.dev.GetAllSettings()
	if err != nil {
		data.Error = err.Error()
		return data
	}
	for _, nd := range sd.dev.DescribeSettings() {
		data.Settings = append(data.Settings, setupSetting{
			Name:     nd.Name,
			Type:     nd.Description.Type,
			Readonly: nd.Description.Readonly,
			Value:    jsonText(values[nd.Name]),
			Values:   jsonText(nd.Description.Values),
		})
	}
	return data
}

// handleSetup renders the settings of every device.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	devices := make([]setupDevice, 0, len(s.devices))
	for _, sd := range s.devices {
		devices = append(devices, s.setupData(sd))
	}
	s.renderSetupForm(w, devices, false, "")
}

// handleDeviceSetup renders the settings of one device and applies the
// submitted form.
func (s *Server) handleDeviceSetup(sd *served) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.renderSetupForm(w, []setupDevice{s.setupData(sd)}, false, "")

		case http.MethodPost:
			incoming, err := parseSetupForm(r)
			if err != nil {
				s.renderSetupForm(w, []setupDevice{s.setupData(sd)}, false, err.Error())
				return
			}

			s.logger.Infof("Updating settings of %s: %v", sd.dev.Name(), incoming)
			if _, err := sd.dev.UpdateSettings(incoming, false); err != nil {
				s.renderSetupForm(w, []setupDevice{s.setupData(sd)}, false, err.Error())
				return
			}
			s.saveSettings(sd)
			s.renderSetupForm(w, []setupDevice{s.setupData(sd)}, true, "")

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (s *Server) renderSetupForm(w http.ResponseWriter, devices []setupDevice, success bool, err string) {
	if s.tmpl == nil {
		http.Error(w, "setup page not available", http.StatusNotFound)
		return
	}

	data := struct {
		Server  ServerDescription
		Devices []setupDevice
		Success bool
		Error   string
	}{s.description, devices, success, err}

	if err := s.tmpl.ExecuteTemplate(w, "setup.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// parseSetupForm reads "setting.<name>" fields. Values are JSON; anything
// that does not parse is taken as a plain string.
func parseSetupForm(r *http.Request) (map[string]any, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("error parsing form: %v", err)
	}

	incoming := make(map[string]any)
	for k := range r.PostForm {
		name, ok := strings.CutPrefix(k, "setting.")
		if !ok {
			continue
		}
		raw := r.PostForm.Get(k)
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		incoming[name] = v
	}
	if len(incoming) == 0 {
		return nil, fmt.Errorf("no settings submitted")
	}
	return incoming, nil
}
