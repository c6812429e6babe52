package tiling

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"

	iface "TileDetServer/interface"

	"github.com/disintegration/imaging"
)

var ErrFrameTooSmall = errors.New("frame smaller than tiling reference size")

// Layout is a static grid of equally sized tiles. Consecutive offsets may overlap.
type Layout struct {
	TileWidth  int
	TileHeight int
	// XOffsets and YOffsets are the tile left and top edges in rotated frame pixels
	XOffsets []int
	YOffsets []int
	// RefWidth and RefHeight are the capture resolution the offsets were laid out for
	RefWidth  int
	RefHeight int
}

// Interval is a half open pixel range [Start, End).
type Interval struct {
	Start int
	End   int
}

// DefaultLayout is 2 columns by 3 rows of 640x640 tiles over a 1080x1920 frame.
func DefaultLayout() Layout {
	return Layout{
		TileWidth:  640,
		TileHeight: 640,
		XOffsets:   []int{0, 440},
		YOffsets:   []int{0, 440, 880},
		RefWidth:   1080,
		RefHeight:  1920,
	}
}

func (l Layout) Validate() error {
	if l.TileWidth <= 0 || l.TileHeight <= 0 {
		return fmt.Errorf("tile size must be positive, got %dx%d", l.TileWidth, l.TileHeight)
	}
	if l.RefWidth <= 0 || l.RefHeight <= 0 {
		return fmt.Errorf("reference size must be positive, got %dx%d", l.RefWidth, l.RefHeight)
	}
	if len(l.XOffsets) == 0 || len(l.YOffsets) == 0 {
		return errors.New("tile offsets cannot be empty")
	}
	for _, x := range l.XOffsets {
		if x < 0 || x+l.TileWidth > l.RefWidth {
			return fmt.Errorf("tile at x=%d leaves the %d pixel wide reference frame", x, l.RefWidth)
		}
	}
	for _, y := range l.YOffsets {
		if y < 0 || y+l.TileHeight > l.RefHeight {
			return fmt.Errorf("tile at y=%d leaves the %d pixel high reference frame", y, l.RefHeight)
		}
	}
	return nil
}

// Count is the number of tiles per frame.
func (l Layout) Count() int {
	return len(l.XOffsets) * len(l.YOffsets)
}

// Regions returns the tile rectangles row by row, left to right.
func (l Layout) Regions() []image.Rectangle {
	regions := make([]image.Rectangle, 0, l.Count())
	for _, y := range l.YOffsets {
		for _, x := range l.XOffsets {
			regions = append(regions, image.Rect(x, y, x+l.TileWidth, y+l.TileHeight))
		}
	}
	return regions
}

// Covered is the bounding box of all tiles.
func (l Layout) Covered() image.Rectangle {
	var covered image.Rectangle
	for _, r := range l.Regions() {
		covered = covered.Union(r)
	}
	return covered
}

func (l Layout) OverlapX() []Interval {
	return overlaps(l.XOffsets, l.TileWidth)
}

func (l Layout) OverlapY() []Interval {
	return overlaps(l.YOffsets, l.TileHeight)
}

func overlaps(offsets []int, size int) []Interval {
	sorted := append([]int(nil), offsets...)
	sort.Ints(sorted)
	var out []Interval
	for i := 1; i < len(sorted); i++ {
		end := sorted[i-1] + size
		if sorted[i] < end {
			out = append(out, Interval{Start: sorted[i], End: end})
		}
	}
	return out
}

// Rotate turns img clockwise by degrees. Right angles are exact, anything else is
// interpolated onto a black background.
func Rotate(img image.Image, degrees int) image.Image {
	switch ((degrees % 360) + 360) % 360 {
	case 0:
		return img
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return imaging.Rotate(img, -float64(degrees), color.Black)
	}
}

// Partition cuts a rotated frame into the layout's tiles. Each tile owns its pixels.
func (l Layout) Partition(img image.Image) ([]iface.Tile, error) {
	b := img.Bounds()
	if b.Dx() < l.RefWidth || b.Dy() < l.RefHeight {
		return nil, fmt.Errorf("%w: got %dx%d, need %dx%d", ErrFrameTooSmall, b.Dx(), b.Dy(), l.RefWidth, l.RefHeight)
	}
	regions := l.Regions()
	tiles := make([]iface.Tile, len(regions))
	for i, r := range regions {
		tiles[i] = iface.Tile{
			Index:   i,
			Image:   imaging.Crop(img, r.Add(b.Min)),
			OffsetX: r.Min.X,
			OffsetY: r.Min.Y,
		}
	}
	return tiles, nil
}
