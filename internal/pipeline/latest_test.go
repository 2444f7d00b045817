package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safespace/internal/vision"
)

func TestLatestFrame(t *testing.T) {
	var l LatestFrame
	_, ok := l.Get()
	assert.False(t, ok)

	l.Set(vision.Frame{Image: validImage(), Source: vision.SourceCamera})
	f, ok := l.Get()
	require.True(t, ok)

	f.Image.Pix[0] = 0xEE
	again, _ := l.Get()
	assert.NotEqual(t, uint8(0xEE), again.Image.Pix[0], "Get must return a copy")
}

func TestFixedLane(t *testing.T) {
	assert.Equal(t, "2", FixedLane("2").Lane(nil))
}
