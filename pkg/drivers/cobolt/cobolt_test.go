package cobolt

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort answers commands from a table. Commands starting with "@cobasp"
// update the answers to "p?" and "pa?", and "l0"/"l1" the answer to "l?".
type fakePort struct {
	mu      sync.Mutex
	answers map[string]string
	written []string
	pending bytes.Buffer
	closed  bool

	// emission cannot be turned on
	interlocked bool
}

func newFakePort() *fakePort {
	return &fakePort{answers: map[string]string{
		"sn?":   "12345",
		"l?":    "0",
		"p?":    "0.0000",
		"pa?":   "0.0000",
		"f?":    "0",
		"hrs?":  "42.1",
		"gmlp?": "100.0",
	}}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd := strings.TrimSuffix(string(b), "\r\n")
	p.written = append(p.written, cmd)

	switch {
	case cmd == "l1" && !p.interlocked:
		p.answers["l?"] = "1"
	case cmd == "l0":
		p.answers["l?"] = "0"
	case strings.HasPrefix(cmd, "@cobasp "):
		w := strings.TrimPrefix(cmd, "@cobasp ")
		p.answers["p?"] = w
		p.answers["pa?"] = w
	}

	answer, ok := p.answers[cmd]
	if !ok {
		answer = "OK"
	}
	p.pending.WriteString(answer + "\r\n")
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending.Len() == 0 {
		return 0, nil
	}
	return p.pending.Read(b)
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Reset()
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestLaserLifecycle(t *testing.T) {
	logger, _ := test.NewNullLogger()
	port := newFakePort()
	l, err := New("cobolt", port, logger)
	require.NoError(t, err)

	require.NoError(t, l.Initialize())
	assert.Equal(t, []string{"sn?", "@cobas 0", "@cobasdr 0", "@cob1"}, port.written)
	uid, ok := l.UID()
	assert.True(t, ok)
	assert.Equal(t, "12345", uid)

	p, err := l.Power()
	require.NoError(t, err)
	assert.Zero(t, p)

	require.True(t, l.Enable())
	on, err := l.IsOn()
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, l.SetPower(25))
	assert.Contains(t, port.written, "@cobasp 0.0250")
	p, err = l.Power()
	require.NoError(t, err)
	assert.InDelta(t, 25.0, p, 1e-9)

	require.NoError(t, l.SetPower(500))
	assert.Contains(t, port.written, "@cobasp 0.1000", "clamped to gmlp?")

	status, err := l.Status()
	require.NoError(t, err)
	assert.Equal(t, "Emission on? 1", status[0])
	assert.Equal(t, "Head operating hours: 42.1", status[4])

	require.NoError(t, l.Shutdown())
	assert.Contains(t, port.written, "l0")
	assert.Contains(t, port.written, "@cob0")
	assert.True(t, port.closed)
}

func TestLaserEnableFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	port := newFakePort()
	port.interlocked = true
	l, err := New("cobolt", port, logger)
	require.NoError(t, err)
	require.NoError(t, l.Initialize())

	assert.False(t, l.Enable())
	assert.Contains(t, port.written, "f?", "status logged on failure")
}

func TestQueryRetriesEmptyResponse(t *testing.T) {
	logger, _ := test.NewNullLogger()
	port := newFakePort()
	port.answers["gmlp?"] = ""
	l, err := New("cobolt", port, logger)
	require.NoError(t, err)

	_, err = l.MaxPower()
	assert.Error(t, err)
	n := 0
	for _, c := range port.written {
		if c == "gmlp?" {
			n++
		}
	}
	assert.Equal(t, queryAttempts, n)
}
