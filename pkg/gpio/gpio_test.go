package gpio

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockDriver(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d, err := NewDriver(true, logger)
	require.NoError(t, err)
	m := d.(*MockDriver)

	require.NoError(t, d.SetupPin(17, Output))
	mode, ok := m.Mode(17)
	assert.True(t, ok)
	assert.Equal(t, Output, mode)

	level, err := d.ReadPin(17)
	require.NoError(t, err)
	assert.Equal(t, Low, level)

	require.NoError(t, d.WritePin(17, High))
	level, err = d.ReadPin(17)
	require.NoError(t, err)
	assert.Equal(t, High, level)

	assert.NoError(t, d.Close())
}
