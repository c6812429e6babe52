package preprocess

import (
	"image"
	"image/color"

	iface "TileDetServer/interface"

	"github.com/nfnt/resize"
)

// Preprocessor packs tiles into the detector's planar RGB input.
type Preprocessor struct {
	Width  int
	Height int
}

func New(width, height int) Preprocessor {
	return Preprocessor{Width: width, Height: height}
}

// Tensor rescales the tile to Width x Height with bilinear filtering when needed and
// returns a [1,3,H,W] buffer holding R, G and B planes scaled to [0,1].
func (p Preprocessor) Tensor(tile image.Image) iface.Tensor {
	b := tile.Bounds()
	if b.Dx() != p.Width || b.Dy() != p.Height {
		tile = resize.Resize(uint(p.Width), uint(p.Height), tile, resize.Bilinear)
		b = tile.Bounds()
	}

	area := p.Width * p.Height
	data := make([]float32, 3*area)
	red := data[:area]
	green := data[area : 2*area]
	blue := data[2*area:]

	if nrgba, ok := tile.(*image.NRGBA); ok {
		for row := 0; row < p.Height; row++ {
			off := nrgba.PixOffset(b.Min.X, b.Min.Y+row)
			for col := 0; col < p.Width; col++ {
				idx := p.Width*row + col
				px := nrgba.Pix[off+4*col : off+4*col+3]
				red[idx] = float32(px[0]) / 255
				green[idx] = float32(px[1]) / 255
				blue[idx] = float32(px[2]) / 255
			}
		}
	} else {
		for row := 0; row < p.Height; row++ {
			for col := 0; col < p.Width; col++ {
				c := color.NRGBAModel.Convert(tile.At(b.Min.X+col, b.Min.Y+row)).(color.NRGBA)
				idx := p.Width*row + col
				red[idx] = float32(c.R) / 255
				green[idx] = float32(c.G) / 255
				blue[idx] = float32(c.B) / 255
			}
		}
	}

	return iface.Tensor{
		Shape: []int64{1, 3, int64(p.Height), int64(p.Width)},
		Data:  data,
	}
}
