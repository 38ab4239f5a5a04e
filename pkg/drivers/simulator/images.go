package simulator

import (
	"math"
	"math/rand/v2"
	"sync"

	"microscope/pkg/device"
)

// Pattern names, in setting order.
var patternNames = []string{"noise", "gradient", "sawtooth", "one_gaussian", "black", "white"}

// Data type names, in setting order. They set the white level.
var dataTypeNames = []string{"uint8", "uint16"}

// ImageGenerator draws test frames.
type ImageGenerator struct {
	mu       sync.Mutex
	pattern  int
	dataType int
	theta    float64
}

func (g *ImageGenerator) Pattern() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pattern
}

func (g *ImageGenerator) SetPattern(i int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pattern = i
}

func (g *ImageGenerator) DataType() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dataType
}

func (g *ImageGenerator) SetDataType(i int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dataType = i
}

// White is the maximum value of the current data type.
func (g *ImageGenerator) White() uint16 {
	if g.DataType() == 0 {
		return math.MaxUint8
	}
	return math.MaxUint16
}

// Image draws a width x height frame between dark and light.
func (g *ImageGenerator) Image(width, height int, dark, light float64) *device.Image {
	g.mu.Lock()
	pattern := g.pattern
	theta := g.theta
	g.theta = math.Mod(g.theta+0.01*2*math.Pi, 2*math.Pi)
	g.mu.Unlock()

	im := device.NewImage(width, height)
	if width < 1 || height < 1 {
		return im
	}
	white := g.White()
	clip := func(v float64) uint16 {
		return uint16(max(0, min(float64(white), v)))
	}

	switch patternNames[pattern] {
	case "noise":
		for i := range im.Pix {
			im.Pix[i] = clip(dark + rand.Float64()*(light-dark))
		}
	case "gradient":
		span := float64(max(1, width+height-2))
		for y := range height {
			for x := range width {
				im.Set(x, y, clip(dark+light*float64(x+y)/span))
			}
		}
	case "sawtooth":
		wrap := 0.1 * float64(max(width, height)-1)
		if wrap <= 0 {
			wrap = 1
		}
		for y := range height {
			for x := range width {
				v := math.Mod(math.Sin(theta)*float64(x)+math.Cos(theta)*float64(y), wrap)
				if v < 0 {
					v += wrap
				}
				im.Set(x, y, clip(dark+light*v/wrap))
			}
		}
	case "one_gaussian":
		sigma := 0.01 * float64(max(width, height))
		x0, y0 := float64(rand.IntN(width)), float64(rand.IntN(height))
		for y := range height {
			for x := range width {
				d2 := (float64(x)-x0)*(float64(x)-x0) + (float64(y)-y0)*(float64(y)-y0)
				im.Set(x, y, clip(dark+light*math.Exp(-d2/(2*sigma*sigma))))
			}
		}
	case "black":
	case "white":
		for i := range im.Pix {
			im.Pix[i] = white
		}
	}
	return im
}
