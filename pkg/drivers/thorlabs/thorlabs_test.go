package thorlabs

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microscope/pkg/device"
)

// fakeWheel echoes commands like the FW102C firmware.
type fakeWheel struct {
	mu       sync.Mutex
	position int
	pending  bytes.Buffer
	// reads that return nothing before the prompt, as during a move
	moveReads int
	stalled   int
}

func (f *fakeWheel) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := strings.TrimSuffix(string(b), "\r")
	f.pending.WriteString(cmd + "\r")
	switch {
	case cmd == "pos?":
		f.pending.WriteString(strconv.Itoa(f.position) + "\r")
	case strings.HasPrefix(cmd, "pos="):
		f.position, _ = strconv.Atoi(strings.TrimPrefix(cmd, "pos="))
		f.stalled = f.moveReads
	default:
		f.pending.WriteString("Command error CMD_NOT_DEFINED\r")
	}
	f.pending.WriteString("> ")
	return len(b), nil
}

func (f *fakeWheel) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending.Len() == 0 {
		return 0, nil
	}
	// stall just before the prompt
	if f.stalled > 0 && f.pending.Len() <= 2 {
		f.stalled--
		return 0, nil
	}
	return f.pending.Read(b[:1])
}

func (f *fakeWheel) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.Reset()
	return nil
}

func (f *fakeWheel) Close() error { return nil }

func TestFilterWheel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	port := &fakeWheel{position: 1}
	w, err := New("wheel", port, "FW102C", device.FiltersFromList([]string{"DAPI", "GFP"}), logger)
	require.NoError(t, err)
	require.NoError(t, w.Initialize())
	assert.Equal(t, 6, w.NumPositions())

	pos, err := w.Position()
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	require.NoError(t, w.SetPosition(4))
	pos, err = w.Position()
	require.NoError(t, err)
	assert.Equal(t, 4, pos)
}

func TestSlowMove(t *testing.T) {
	logger, _ := test.NewNullLogger()

	tests := []struct {
		name      string
		moveReads int
		wantErr   bool
	}{
		{name: "within wait budget", moveReads: maxPromptWaits},
		{name: "stuck", moveReads: maxPromptWaits + 1, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			port := &fakeWheel{moveReads: tc.moveReads}
			w, err := New("wheel", port, "FW212C", nil, logger)
			require.NoError(t, err)

			err = w.SetPosition(3)
			if tc.wantErr {
				assert.ErrorIs(t, err, device.ErrHardwareCommunication)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestUnknownModel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := New("wheel", &fakeWheel{}, "FW999", nil, logger)
	assert.ErrorIs(t, err, device.ErrConfiguration)
}
