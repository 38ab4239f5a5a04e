package device

// Image is a monochrome frame stored row by row.
type Image struct {
	Width  int      `json:"width" cbor:"width"`
	Height int      `json:"height" cbor:"height"`
	Pix    []uint16 `json:"pix" cbor:"pix"`
}

func NewImage(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]uint16, width*height)}
}

func (im *Image) At(x, y int) uint16 { return im.Pix[y*im.Width+x] }

func (im *Image) Set(x, y int, v uint16) { im.Pix[y*im.Width+x] = v }

// Rot90 returns the image rotated a quarter turn counter-clockwise.
func (im *Image) Rot90() *Image {
	out := NewImage(im.Height, im.Width)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			out.Set(x, y, im.At(im.Width-1-y, x))
		}
	}
	return out
}

// FlipLR mirrors the columns.
func (im *Image) FlipLR() *Image {
	out := NewImage(im.Width, im.Height)
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			out.Set(im.Width-1-x, y, im.At(x, y))
		}
	}
	return out
}

// FlipUD mirrors the rows.
func (im *Image) FlipUD() *Image {
	out := NewImage(im.Width, im.Height)
	for y := 0; y < im.Height; y++ {
		copy(out.Pix[(im.Height-1-y)*im.Width:], im.Pix[y*im.Width:(y+1)*im.Width])
	}
	return out
}
