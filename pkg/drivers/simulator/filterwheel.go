package simulator

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"microscope/pkg/device"
)

// FilterWheel takes moveTime to reach any position.
type FilterWheel struct {
	logger   log.FieldLogger
	moveTime time.Duration

	mu       sync.Mutex
	position int
}

// NewFilterWheel returns a simulated filter wheel device.
func NewFilterWheel(name string, filters map[int]string, positions int, moveTime time.Duration, logger log.FieldLogger) (*device.FilterWheel, error) {
	hw := &FilterWheel{logger: logger, moveTime: moveTime}
	return device.NewFilterWheel(name, hw, logger, filters, positions)
}

func (w *FilterWheel) Initialize() error { return nil }

func (w *FilterWheel) OnEnable() (bool, error) { return true, nil }

func (w *FilterWheel) OnDisable() error { return nil }

func (w *FilterWheel) OnShutdown() error { return nil }

func (w *FilterWheel) Position() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.position, nil
}

func (w *FilterWheel) SetPosition(position int) error {
	time.Sleep(w.moveTime)
	w.logger.Infof("Setting position to %d", position)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.position = position
	return nil
}
