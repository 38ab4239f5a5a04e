package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// DataHooks are the hooks of a device that produces data.
type DataHooks interface {
	Hooks
	// FetchData polls the hardware. It returns nil data when nothing is
	// ready yet.
	FetchData() (any, error)
}

// Aborter is implemented by hooks that must stop the hardware when an
// acquisition is aborted.
type Aborter interface {
	Abort() error
}

// Processor is implemented by hooks that transform raw data before it is
// handed to clients.
type Processor interface {
	ProcessData(data any) (any, error)
}

// SoftTriggerer is implemented by hooks that can start an acquisition from
// software.
type SoftTriggerer interface {
	SoftTrigger() error
}

// DataSource is the interface served over the network for devices that
// produce data.
type DataSource interface {
	Device
	SetClient(c Client)
	Lease(c Client) func()
	GrabNextData(ctx context.Context, softTrigger bool) (any, time.Time, error)
	Abort() error
	SoftTrigger() error
	Acquiring() bool
}

const defaultPollInterval = time.Millisecond

type dataOptions struct {
	bufferLength int
	pushed       bool
	pollInterval time.Duration
	process      func(any) (any, error)
}

// DataOption configures a DataDevice.
type DataOption func(*dataOptions)

// WithBufferLength bounds the dispatch buffer. Zero means unbounded.
func WithBufferLength(n int) DataOption {
	return func(o *dataOptions) { o.bufferLength = n }
}

// WithPushedData is for hardware that delivers data through callbacks. No
// fetch loop is run; the driver calls Push instead.
func WithPushedData() DataOption {
	return func(o *dataOptions) { o.pushed = true }
}

// WithPollInterval sets how long the fetch loop sleeps when no data is ready.
func WithPollInterval(d time.Duration) DataOption {
	return func(o *dataOptions) { o.pollInterval = d }
}

// WithProcessor installs a transformation applied after the hooks' own
// ProcessData.
func WithProcessor(f func(any) (any, error)) DataOption {
	return func(o *dataOptions) { o.process = f }
}

// DataDevice adds the acquisition engine to Base: a fetch loop polling the
// hardware, a dispatch loop delivering data to the current client, and the
// client stack.
type DataDevice struct {
	*Base

	hooks DataHooks
	opts  dataOptions

	buffer    *dispatchBuffer
	acquiring atomic.Bool

	// lifetime is cancelled on shutdown and stops the dispatch loop.
	lifetime context.Context
	cancel   context.CancelFunc

	loopMu       sync.Mutex
	fetchCancel  context.CancelFunc
	fetchDone    chan struct{}
	dispatchDone chan struct{}

	clientsMu sync.Mutex
	clients   []Client
	live      map[Client]struct{}

	// serialises settings changes that restart the acquisition
	keepMu sync.Mutex
	// counts disables and make-safes, which a settings change must not undo
	stops atomic.Uint64
}

// NewDataDevice returns a data device in the uninitialized state.
func NewDataDevice(name string, hooks DataHooks, logger log.FieldLogger, opts ...DataOption) (*DataDevice, error) {
	if hooks == nil {
		return nil, fmt.Errorf("%w: device %q has no hooks", ErrConfiguration, name)
	}

	o := dataOptions{pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bufferLength < 0 {
		return nil, fmt.Errorf("%w: negative buffer length %d", ErrConfiguration, o.bufferLength)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DataDevice{
		hooks:    hooks,
		opts:     o,
		buffer:   newDispatchBuffer(o.bufferLength),
		lifetime: ctx,
		cancel:   cancel,
		live:     make(map[Client]struct{}),
	}

	base, err := New(name, &dataLifecycle{d}, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	d.Base = base
	return d, nil
}

// UID returns the hardware identifier when the hooks are a FloatingDevice.
func (d *DataDevice) UID() (string, bool) {
	if f, ok := d.hooks.(FloatingDevice); ok {
		return f.UID(), true
	}
	return "", false
}

// DataHooks returns the variant hooks wrapped by the engine.
func (d *DataDevice) DataHooks() DataHooks { return d.hooks }

// Acquiring reports whether the device is producing data.
func (d *DataDevice) Acquiring() bool { return d.acquiring.Load() }

// Abort stops data production without disabling the device. The fetch loop
// exits on its next iteration.
func (d *DataDevice) Abort() error {
	d.acquiring.Store(false)
	if a, ok := d.hooks.(Aborter); ok {
		if err := a.Abort(); err != nil {
			d.logger.WithError(err).Error("Error in abort hook")
			return err
		}
	}
	return nil
}

func (d *DataDevice) SoftTrigger() error {
	st, ok := d.hooks.(SoftTriggerer)
	if !ok {
		return fmt.Errorf("%w: %s has no software trigger", ErrNotSupported, d.name)
	}
	return st.SoftTrigger()
}

// Push hands data produced by a callback driver to the dispatch loop. It
// blocks while the dispatch buffer is full.
func (d *DataDevice) Push(data any, timestamp time.Time) error {
	return d.put(d.lifetime, data, nil, timestamp)
}

// PushError reports a hardware failure from a callback driver to the
// current client.
func (d *DataDevice) PushError(err error, timestamp time.Time) error {
	return d.put(d.lifetime, nil, err, timestamp)
}

func (d *DataDevice) put(ctx context.Context, data any, err error, timestamp time.Time) error {
	return d.buffer.Put(ctx, dispatchItem{
		client:    d.currentClient(),
		data:      data,
		err:       err,
		timestamp: timestamp,
	})
}

// SetClient pushes c on the client stack, or pops the top client when c is
// nil. Data goes to the top of the stack.
func (d *DataDevice) SetClient(c Client) {
	d.clientsMu.Lock()
	if c == nil {
		if n := len(d.clients); n > 0 {
			d.clients = d.clients[:n-1]
		}
	} else {
		d.clients = append(d.clients, c)
	}
	d.rebuildLive()
	top := d.top()
	d.clientsMu.Unlock()

	if top == nil {
		d.logger.Info("Current client is none")
	} else {
		d.logger.Infof("Current client is %v", top)
	}
}

// Lease pushes c and returns a func that removes the topmost occurrence of c
// wherever it sits in the stack by then.
func (d *DataDevice) Lease(c Client) func() {
	d.clientsMu.Lock()
	d.clients = append(d.clients, c)
	d.rebuildLive()
	d.clientsMu.Unlock()

	return func() { d.removeClient(c, false) }
}

// removeClient removes the topmost occurrence of c, or every occurrence when
// all is set.
func (d *DataDevice) removeClient(c Client, all bool) {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()

	for i := len(d.clients) - 1; i >= 0; i-- {
		if d.clients[i] != c {
			continue
		}
		d.clients = append(d.clients[:i], d.clients[i+1:]...)
		if !all {
			break
		}
	}
	d.rebuildLive()
}

func (d *DataDevice) rebuildLive() {
	clear(d.live)
	for _, c := range d.clients {
		d.live[c] = struct{}{}
	}
}

func (d *DataDevice) top() Client {
	if n := len(d.clients); n > 0 {
		return d.clients[n-1]
	}
	return nil
}

func (d *DataDevice) currentClient() Client {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	return d.top()
}

func (d *DataDevice) isLive(c Client) bool {
	if c == nil {
		return false
	}
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	_, ok := d.live[c]
	return ok
}

// Clients returns a copy of the client stack, bottom first.
func (d *DataDevice) Clients() []Client {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	return append([]Client(nil), d.clients...)
}

type grabResult struct {
	data      any
	timestamp time.Time
	err       error
}

// grabClient accepts exactly one delivery.
type grabClient struct {
	ch chan grabResult
}

func (g *grabClient) Deliver(data any, timestamp time.Time) error {
	r := grabResult{data: data, timestamp: timestamp}
	if re, ok := data.(*RemoteError); ok {
		r = grabResult{timestamp: timestamp, err: re}
	}
	select {
	case g.ch <- r:
	default:
	}
	return nil
}

func (g *grabClient) String() string { return "grab" }

// GrabNextData temporarily takes over the client stack and returns the next
// item produced by the device. The previous stack is restored when it
// returns, whether or not data arrived.
func (d *DataDevice) GrabNextData(ctx context.Context, softTrigger bool) (any, time.Time, error) {
	g := &grabClient{ch: make(chan grabResult, 1)}
	release := d.Lease(g)
	defer release()

	if softTrigger {
		if err := d.SoftTrigger(); err != nil {
			return nil, time.Time{}, err
		}
	}

	select {
	case r := <-g.ch:
		return r.data, r.timestamp, r.err
	case <-ctx.Done():
		return nil, time.Time{}, ctx.Err()
	}
}

// SetSetting applies the change with the acquisition paused.
func (d *DataDevice) SetSetting(name string, value any) error {
	return d.keepAcquiring(func() error {
		return d.Base.SetSetting(name, value)
	})
}

// UpdateSettings applies the changes with the acquisition paused.
func (d *DataDevice) UpdateSettings(incoming map[string]any, init bool) (map[string]any, error) {
	var results map[string]any
	err := d.keepAcquiring(func() error {
		var err error
		results, err = d.Base.UpdateSettings(incoming, init)
		return err
	})
	return results, err
}

// KeepAcquiring runs fn with the acquisition paused, resuming it afterwards
// if it was running. Drivers use it for operations that cannot be performed
// while the hardware is acquiring.
func (d *DataDevice) KeepAcquiring(fn func() error) error {
	return d.keepAcquiring(fn)
}

func (d *DataDevice) keepAcquiring(fn func() error) error {
	d.keepMu.Lock()
	defer d.keepMu.Unlock()

	if !d.acquiring.Load() {
		return fn()
	}

	stops := d.stops.Load()
	if err := d.Abort(); err != nil {
		d.logger.WithError(err).Warn("Abort before settings change failed")
	}
	d.stopFetch()

	err := fn()

	resumed, ok := d.resume(stops)
	if !resumed {
		d.logger.Info("Acquisition stopped during settings change, not resuming")
		return err
	}
	if !ok {
		d.logger.Warn("Could not resume acquisition after settings change")
		return errors.Join(err, fmt.Errorf("%w: could not resume acquisition on %s", ErrIncompatibleState, d.name))
	}
	return err
}

// resume re-enables the device unless it was disabled or made safe since
// stops was read. It reports whether an enable was attempted and its result.
func (d *DataDevice) resume(stops uint64) (resumed, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() != StateEnabled || d.stops.Load() != stops {
		return false, false
	}
	return true, d.enable()
}

func (d *DataDevice) startFetch() {
	d.loopMu.Lock()
	defer d.loopMu.Unlock()

	ctx, cancel := context.WithCancel(d.lifetime)
	done := make(chan struct{})
	d.fetchCancel, d.fetchDone = cancel, done
	go d.fetchLoop(ctx, done)
}

// stopFetch cancels the fetch loop and waits for it to exit.
func (d *DataDevice) stopFetch() {
	d.loopMu.Lock()
	cancel, done := d.fetchCancel, d.fetchDone
	d.fetchCancel, d.fetchDone = nil, nil
	d.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *DataDevice) fetchLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	idle := time.NewTimer(d.opts.pollInterval)
	defer idle.Stop()

	for d.acquiring.Load() {
		if ctx.Err() != nil {
			return
		}

		data, err := d.hooks.FetchData()
		if err != nil {
			d.logger.WithError(err).Error("Error in fetch loop")
			data = nil
			if d.put(ctx, nil, err, time.Now()) != nil {
				return
			}
		}

		if data == nil {
			idle.Reset(d.opts.pollInterval)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}

		if d.put(ctx, data, nil, time.Now()) != nil {
			return
		}
	}
}

func (d *DataDevice) startDispatch() {
	d.loopMu.Lock()
	defer d.loopMu.Unlock()

	if d.dispatchDone != nil {
		select {
		case <-d.dispatchDone:
		default:
			return
		}
	}
	done := make(chan struct{})
	d.dispatchDone = done
	go d.dispatchLoop(d.lifetime, done)
}

func (d *DataDevice) dispatchLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		it, err := d.buffer.Get(ctx)
		if err != nil {
			return
		}
		if !d.isLive(it.client) {
			d.logger.Debugf("Dropping data for stale client %v", it.client)
			continue
		}
		d.dispatch(it)
	}
}

func (d *DataDevice) dispatch(it dispatchItem) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("Panic in dispatch loop: %v", r)
		}
	}()

	var payload any
	if it.err != nil {
		payload = NewRemoteError(it.err)
	} else {
		p, err := d.process(it.data)
		if err != nil {
			d.logger.WithError(err).Error("Error processing data")
			return
		}
		payload = p
	}

	err := it.client.Deliver(payload, it.timestamp)
	switch {
	case err == nil:
	case errors.Is(err, ErrClientUnreachable):
		d.logger.Infof("Removing %v from client stack: disconnected", it.client)
		d.removeClient(it.client, true)
	default:
		d.logger.WithError(err).Error("Error in dispatch loop")
	}
}

func (d *DataDevice) process(data any) (any, error) {
	if p, ok := d.hooks.(Processor); ok {
		var err error
		if data, err = p.ProcessData(data); err != nil {
			return nil, err
		}
	}
	if d.opts.process != nil {
		return d.opts.process(data)
	}
	return data, nil
}

// dataLifecycle runs the engine around the variant hooks.
type dataLifecycle struct {
	d *DataDevice
}

func (l *dataLifecycle) Initialize() error {
	return l.d.hooks.Initialize()
}

func (l *dataLifecycle) OnEnable() (bool, error) {
	d := l.d
	d.startDispatch()

	if d.acquiring.Load() {
		if err := d.Abort(); err != nil {
			return false, err
		}
	}
	d.stopFetch()

	ok, err := d.hooks.OnEnable()
	if err != nil || !ok {
		return false, err
	}

	d.acquiring.Store(true)
	if !d.opts.pushed {
		d.startFetch()
	}
	return true, nil
}

func (l *dataLifecycle) OnDisable() error {
	d := l.d
	d.stops.Add(1)
	if err := d.Abort(); err != nil {
		d.logger.WithError(err).Warn("Abort on disable failed")
	}
	d.stopFetch()
	return d.hooks.OnDisable()
}

func (l *dataLifecycle) OnShutdown() error {
	err := l.d.hooks.OnShutdown()
	l.d.cancel()
	return err
}

func (l *dataLifecycle) MakeSafe() error {
	d := l.d
	d.stops.Add(1)
	if d.acquiring.Load() {
		if err := d.Abort(); err != nil {
			return err
		}
	}
	if ms, ok := d.hooks.(MakeSafer); ok {
		return ms.MakeSafe()
	}
	return nil
}
