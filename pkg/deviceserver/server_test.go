package deviceserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microscope/pkg/device"
	"microscope/pkg/drivers/simulator"
	"microscope/templates"
)

type testServer struct {
	*Server
	http   *httptest.Server
	store  *Store
	camera *device.Camera
	laser  *device.Laser
	wheel  *device.FilterWheel
	mirror *device.DeformableMirror
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()

	store, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tmpl, err := templates.LoadTemplates()
	require.NoError(t, err)

	cam, err := simulator.NewCamera("camera", simulator.CameraConfig{Width: 16, Height: 8}, logger)
	require.NoError(t, err)
	laser, err := simulator.NewLaser("laser", logger)
	require.NoError(t, err)
	wheel, err := simulator.NewFilterWheel("wheel", device.FiltersFromList([]string{"DAPI", "GFP"}), 6, 0, logger)
	require.NoError(t, err)
	mirror, err := simulator.NewDeformableMirror("mirror", 4, logger)
	require.NoError(t, err)

	srv := NewServer(ServerDescription{Name: "test"}, store, tmpl, NewResolver(nil, "", logger), logger)
	srv.AddDevice(cam, "")
	srv.AddDevice(laser, "")
	srv.AddDevice(wheel, "wheel-uid")
	srv.AddDevice(mirror, "")

	ts := httptest.NewServer(srv.AddRoutes())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})

	return &testServer{Server: srv, http: ts, store: store, camera: cam, laser: laser, wheel: wheel, mirror: mirror}
}

type envelope struct {
	ClientTransactionID int
	ServerTransactionID int
	ErrorNumber         int
	ErrorMessage        string
	Value               json.RawMessage
}

func (ts *testServer) call(t *testing.T, method, path string, params url.Values) envelope {
	t.Helper()
	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet {
		req, err = http.NewRequest(method, ts.http.URL+path+"?"+params.Encode(), nil)
	} else {
		req, err = http.NewRequest(method, ts.http.URL+path, strings.NewReader(params.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func (e envelope) value(t *testing.T, v any) {
	t.Helper()
	require.Zero(t, e.ErrorNumber, e.ErrorMessage)
	require.NoError(t, json.Unmarshal(e.Value, v))
}

func TestManagementRoutes(t *testing.T) {
	ts := newTestServer(t)

	var versions []int
	ts.call(t, http.MethodGet, "/management/apiversions", nil).value(t, &versions)
	assert.Equal(t, []int{1}, versions)

	var desc ServerDescription
	ts.call(t, http.MethodGet, "/management/v1/description", nil).value(t, &desc)
	assert.Equal(t, "test", desc.Name)

	var devices []DeviceInfo
	ts.call(t, http.MethodGet, "/management/v1/configureddevices", nil).value(t, &devices)
	require.Len(t, devices, 4)
	assert.Equal(t, DeviceInfo{Name: "wheel", Type: TypeFilterWheel, Number: 0, UniqueID: "wheel-uid"}, devices[2])
	assert.Equal(t, TypeCamera, devices[0].Type)
	assert.NotEmpty(t, devices[0].UniqueID)
}

func TestDeviceNumbersPerType(t *testing.T) {
	logger, _ := test.NewNullLogger()
	srv := NewServer(ServerDescription{}, nil, nil, NewResolver(nil, "", logger), logger)

	var infos []DeviceInfo
	for _, name := range []string{"a", "b"} {
		l, err := simulator.NewLaser(name, logger)
		require.NoError(t, err)
		infos = append(infos, srv.AddDevice(l, ""))
	}
	w, err := simulator.NewFilterWheel("w", nil, 4, 0, logger)
	require.NoError(t, err)
	infos = append(infos, srv.AddDevice(w, ""))

	assert.Equal(t, 0, infos[0].Number)
	assert.Equal(t, 1, infos[1].Number)
	assert.Equal(t, 0, infos[2].Number)
	assert.NotEqual(t, infos[0].UniqueID, infos[1].UniqueID)
	assert.Len(t, srv.Devices(), 3)
}

func TestTransactionIDs(t *testing.T) {
	ts := newTestServer(t)

	first := ts.call(t, http.MethodGet, "/api/v1/laser/0/name", url.Values{"ClientTransactionID": {"7"}})
	assert.Equal(t, 7, first.ClientTransactionID)
	second := ts.call(t, http.MethodGet, "/api/v1/laser/0/name", nil)
	assert.Zero(t, second.ClientTransactionID)
	assert.Greater(t, second.ServerTransactionID, first.ServerTransactionID)

	resp, err := http.Get(ts.http.URL + "/api/v1/laser/0/name?ClientTransactionID=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLifecycleRoutes(t *testing.T) {
	ts := newTestServer(t)

	var state string
	ts.call(t, http.MethodGet, "/api/v1/laser/0/state", nil).value(t, &state)
	assert.Equal(t, "uninitialized", state)

	var enabled bool
	ts.call(t, http.MethodPut, "/api/v1/laser/0/enable", nil).value(t, &enabled)
	assert.False(t, enabled, "cannot enable before initialize")

	var ok bool
	ts.call(t, http.MethodPut, "/api/v1/laser/0/initialize", nil).value(t, &ok)
	assert.True(t, ok)
	ts.call(t, http.MethodPut, "/api/v1/laser/0/enable", nil).value(t, &enabled)
	assert.True(t, enabled)
	ts.call(t, http.MethodGet, "/api/v1/laser/0/state", nil).value(t, &state)
	assert.Equal(t, "enabled", state)

	env := ts.call(t, http.MethodPut, "/api/v1/laser/0/initialize", nil)
	assert.Equal(t, ErrNumIncompatibleState, env.ErrorNumber)

	ts.call(t, http.MethodPut, "/api/v1/laser/0/power", url.Values{"Value": {"40"}}).value(t, &ok)
	var power float64
	ts.call(t, http.MethodGet, "/api/v1/laser/0/power", nil).value(t, &power)
	assert.Equal(t, 40.0, power)
	ts.call(t, http.MethodGet, "/api/v1/laser/0/setpoint", nil).value(t, &power)
	assert.Equal(t, 40.0, power)

	ts.call(t, http.MethodPut, "/api/v1/laser/0/shutdown", nil).value(t, &ok)
	ts.call(t, http.MethodGet, "/api/v1/laser/0/state", nil).value(t, &state)
	assert.Equal(t, "shutdown", state)
}

func TestErrorNumbers(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.wheel.Initialize())

	tests := []struct {
		name   string
		method string
		path   string
		params url.Values
		want   int
	}{
		{name: "unknown setting", method: http.MethodGet, path: "/api/v1/filterwheel/0/settings/nope", want: ErrNumNotSupported},
		{name: "position out of range", method: http.MethodPut, path: "/api/v1/filterwheel/0/position", params: url.Values{"Value": {"9"}}, want: ErrNumUnsupportedFeature},
		{name: "missing value", method: http.MethodPut, path: "/api/v1/filterwheel/0/position", want: ErrNumConfiguration},
		{name: "bad json", method: http.MethodPut, path: "/api/v1/filterwheel/0/settings/position", params: url.Values{"Value": {"{"}}, want: ErrNumConfiguration},
		{name: "wrong pattern length", method: http.MethodPut, path: "/api/v1/deformablemirror/0/applypattern", params: url.Values{"Pattern": {"[0.5]"}}, want: ErrNumUnsupportedFeature},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := ts.call(t, tc.method, tc.path, tc.params)
			assert.Equal(t, tc.want, env.ErrorNumber)
			assert.NotEmpty(t, env.ErrorMessage)
		})
	}
}

func TestSettingsRoutes(t *testing.T) {
	ts := newTestServer(t)
	var ok bool
	ts.call(t, http.MethodPut, "/api/v1/filterwheel/0/initialize", nil).value(t, &ok)

	var position int
	ts.call(t, http.MethodPut, "/api/v1/filterwheel/0/settings/position", url.Values{"Value": {"3"}}).value(t, &position)
	assert.Equal(t, 3, position)

	saved, found, err := ts.store.LoadSettings("wheel-uid")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3.0, saved["position"])

	var all map[string]any
	ts.call(t, http.MethodGet, "/api/v1/filterwheel/0/settings", nil).value(t, &all)
	assert.Equal(t, 3.0, all["position"])

	var results map[string]any
	ts.call(t, http.MethodPut, "/api/v1/filterwheel/0/updatesettings",
		url.Values{"Settings": {`{"position": 5}`}}).value(t, &results)
	assert.Equal(t, 5.0, results["position"])

	var described []map[string]any
	ts.call(t, http.MethodGet, "/api/v1/filterwheel/0/describe", nil).value(t, &described)
	assert.NotEmpty(t, described)

	var filters []device.Filter
	ts.call(t, http.MethodGet, "/api/v1/filterwheel/0/filters", nil).value(t, &filters)
	assert.Equal(t, []device.Filter{{Position: 0, Name: "DAPI"}, {Position: 1, Name: "GFP"}}, filters)
}

func TestSettingsRestoredOnInitialize(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.SaveSettings("wheel-uid", map[string]any{"position": 4.0}))

	var ok bool
	ts.call(t, http.MethodPut, "/api/v1/filterwheel/0/initialize", nil).value(t, &ok)

	pos, err := ts.wheel.Position()
	require.NoError(t, err)
	assert.Equal(t, 4, pos)
}

func TestCameraRoutes(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.camera.Initialize())

	var ok bool
	ts.call(t, http.MethodPut, "/api/v1/camera/0/exposuretime", url.Values{"Value": {"0.01"}}).value(t, &ok)
	var exposure float64
	ts.call(t, http.MethodGet, "/api/v1/camera/0/exposuretime", nil).value(t, &exposure)
	assert.Equal(t, 0.01, exposure)

	var shape device.Shape
	ts.call(t, http.MethodGet, "/api/v1/camera/0/sensorshape", nil).value(t, &shape)
	assert.Equal(t, device.Shape{Width: 16, Height: 8}, shape)

	ts.call(t, http.MethodPut, "/api/v1/camera/0/roi", url.Values{"Value": {"[2, 2, 8, 4]"}}).value(t, &ok)
	var roi [4]int
	ts.call(t, http.MethodGet, "/api/v1/camera/0/roi", nil).value(t, &roi)
	assert.Equal(t, [4]int{2, 2, 8, 4}, roi)

	var binning [2]int
	ts.call(t, http.MethodGet, "/api/v1/camera/0/binning", nil).value(t, &binning)
	assert.Equal(t, [2]int{1, 1}, binning)

	var trig TriggerConfig
	ts.call(t, http.MethodGet, "/api/v1/camera/0/trigger", nil).value(t, &trig)
	assert.Equal(t, TriggerConfig{Type: "SOFTWARE", Mode: "ONCE"}, trig)

	env := ts.call(t, http.MethodPut, "/api/v1/camera/0/trigger",
		url.Values{"TriggerType": {"RISING_EDGE"}, "TriggerMode": {"ONCE"}})
	assert.Equal(t, ErrNumUnsupportedFeature, env.ErrorNumber)
}

func TestGrabNextData(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.camera.Initialize())
	require.True(t, ts.camera.Enable())

	var sample struct {
		Timestamp time.Time
		Data      device.Image
	}
	ts.call(t, http.MethodPut, "/api/v1/camera/0/grabnextdata", url.Values{"Timeout": {"5"}}).value(t, &sample)
	assert.False(t, sample.Timestamp.IsZero())
	assert.Equal(t, 16, sample.Data.Width)
	assert.Equal(t, 8, sample.Data.Height)
	assert.Len(t, sample.Data.Pix, 16*8)

	env := ts.call(t, http.MethodPut, "/api/v1/camera/0/grabnextdata",
		url.Values{"SoftTrigger": {"false"}, "Timeout": {"0.05"}})
	assert.Equal(t, ErrNumUnspecified, env.ErrorNumber, "deadline exceeded")
}

func TestSetClientCallback(t *testing.T) {
	frames := make(chan Frame, 4)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f, err := DecodeFrame(body)
		if err == nil {
			frames <- f
		}
	}))
	defer callback.Close()

	ts := newTestServer(t)
	require.NoError(t, ts.camera.Initialize())
	require.True(t, ts.camera.Enable())

	var ok bool
	ts.call(t, http.MethodPut, "/api/v1/camera/0/setclient", url.Values{"Client": {callback.URL}}).value(t, &ok)
	require.Len(t, ts.camera.Clients(), 1)
	ts.call(t, http.MethodPut, "/api/v1/camera/0/softtrigger", nil).value(t, &ok)

	select {
	case f := <-frames:
		var im device.Image
		require.NoError(t, f.Decode(&im))
		assert.Equal(t, 16, im.Width)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered to the callback")
	}

	// an empty client pops the stack
	ts.call(t, http.MethodPut, "/api/v1/camera/0/receiveclient", nil).value(t, &ok)
	assert.Empty(t, ts.camera.Clients())
}

func TestSetupPage(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.wheel.Initialize())

	resp, err := http.Get(ts.http.URL + "/setup")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "wheel-uid")
	assert.Contains(t, string(body), `name="setting.position"`)

	resp, err = http.PostForm(ts.http.URL+"/setup/v1/filterwheel/0", url.Values{"setting.position": {"2"}})
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "Settings updated.")

	pos, err := ts.wheel.Position()
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	resp, err = http.PostForm(ts.http.URL+"/setup/v1/filterwheel/0", url.Values{"other": {"2"}})
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "no settings submitted")
}

func TestParseSetupForm(t *testing.T) {
	form := url.Values{
		"setting.gain":  {"12"},
		"setting.roi":   {"[0, 0, 4, 4]"},
		"setting.label": {"not json"},
		"ignored":       {"1"},
	}
	req := httptest.NewRequest(http.MethodPost, "/setup/v1/camera/0", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	got, err := parseSetupForm(req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"gain":  12.0,
		"roi":   []any{0.0, 0.0, 4.0, 4.0},
		"label": "not json",
	}, got)
}

// flakyHooks fail the first fails initializations.
type flakyHooks struct {
	mu       sync.Mutex
	fails    int
	attempts int
}

func (h *flakyHooks) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	if h.fails < 0 || h.attempts <= h.fails {
		return errors.New("camera link down")
	}
	return nil
}

func (h *flakyHooks) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func (h *flakyHooks) OnEnable() (bool, error) { return true, nil }
func (h *flakyHooks) OnDisable() error        { return nil }
func (h *flakyHooks) OnShutdown() error       { return nil }

func newFlakyServer(t *testing.T, fails int) (*Server, *device.Base, *flakyHooks, *int) {
	t.Helper()
	logger, _ := test.NewNullLogger()

	store, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hooks := &flakyHooks{fails: fails}
	dev, err := device.New("flaky", hooks, logger)
	require.NoError(t, err)
	level := 0
	require.NoError(t, dev.AddSetting("level", device.TypeInt,
		func() (any, error) { return level, nil },
		func(v any) error { level = v.(int); return nil },
		device.Range{Max: 10}))
	require.NoError(t, store.SaveSettings("flaky-uid", map[string]any{"level": 7.0}))

	srv := NewServer(ServerDescription{Name: "test"}, store, nil, NewResolver(nil, "", logger), logger)
	srv.AddDevice(dev, "flaky-uid")
	t.Cleanup(srv.Shutdown)
	return srv, dev, hooks, &level
}

func TestInitializeDevicesRetries(t *testing.T) {
	srv, dev, hooks, level := newFlakyServer(t, 2)

	srv.InitializeDevices(context.Background(), 5*time.Millisecond)

	assert.Equal(t, 3, hooks.Attempts())
	assert.Equal(t, device.StateDisabled, dev.State())
	assert.Equal(t, 7, *level, "saved settings restored")
}

func TestInitializeDevicesStopsOnCancel(t *testing.T) {
	srv, dev, hooks, level := newFlakyServer(t, -1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.InitializeDevices(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return hooks.Attempts() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("initialize retry did not stop")
	}
	assert.Equal(t, device.StateUninitialized, dev.State())
	assert.Zero(t, *level)
}

// pausingTrigger counts the operations run with the acquisition paused.
type pausingTrigger struct {
	tr     *device.Triggering
	paused int
}

func (p *pausingTrigger) Triggering() (*device.Triggering, bool) { return p.tr, true }

func (p *pausingTrigger) KeepAcquiring(fn func() error) error {
	p.paused++
	return fn()
}

func TestSetTriggerPausesAcquisition(t *testing.T) {
	sw := device.Trigger{Type: device.TriggerSoftware, Mode: device.TriggerOnce}
	p := &pausingTrigger{tr: device.NewTriggering(sw, nil, sw)}
	mux := http.NewServeMux()
	(&DeviceHandler{}).registerTrigger(mux, p)

	form := url.Values{"TriggerType": {"SOFTWARE"}, "TriggerMode": {"ONCE"}}
	req := httptest.NewRequest(http.MethodPut, "/trigger", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Zero(t, env.ErrorNumber, env.ErrorMessage)
	assert.Equal(t, 1, p.paused)
}
