package tiling

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	l := DefaultLayout()
	require.NoError(t, l.Validate())

	t.Run("Test regions are row major", func(t *testing.T) {
		regions := l.Regions()
		require.Len(t, regions, 6)
		want := []image.Point{{0, 0}, {440, 0}, {0, 440}, {440, 440}, {0, 880}, {440, 880}}
		for i, r := range regions {
			assert.Equal(t, want[i], r.Min)
			assert.Equal(t, 640, r.Dx())
			assert.Equal(t, 640, r.Dy())
		}
	})

	t.Run("Test coverage", func(t *testing.T) {
		assert.Equal(t, image.Rect(0, 0, 1080, 1520), l.Covered())
		regions := l.Regions()
		covered := func(x, y int) bool {
			p := image.Pt(x, y)
			for _, r := range regions {
				if p.In(r) {
					return true
				}
			}
			return false
		}
		for x := 0; x < 1080; x += 7 {
			for y := 0; y < 1520; y += 7 {
				require.True(t, covered(x, y), "pixel %d,%d not covered", x, y)
			}
		}
		assert.True(t, covered(1079, 1519))
		assert.False(t, covered(0, 1520))
	})

	t.Run("Test overlap zones", func(t *testing.T) {
		assert.Equal(t, []Interval{{440, 640}}, l.OverlapX())
		assert.Equal(t, []Interval{{440, 640}, {880, 1080}}, l.OverlapY())
	})

	t.Run("Test invalid layouts", func(t *testing.T) {
		bad := DefaultLayout()
		bad.XOffsets = []int{0, 500}
		assert.Error(t, bad.Validate())

		bad = DefaultLayout()
		bad.YOffsets = nil
		assert.Error(t, bad.Validate())

		bad = DefaultLayout()
		bad.TileWidth = 0
		assert.Error(t, bad.Validate())
	})
}

func TestPartition(t *testing.T) {
	l := DefaultLayout()

	t.Run("Test tiles carry offsets and pixels", func(t *testing.T) {
		img := image.NewNRGBA(image.Rect(0, 0, 1080, 1920))
		red := color.NRGBA{R: 255, A: 255}
		img.SetNRGBA(500, 500, red)

		tiles, err := l.Partition(img)
		require.NoError(t, err)
		require.Len(t, tiles, 6)
		for i, tile := range tiles {
			assert.Equal(t, i, tile.Index)
			assert.Equal(t, image.Rect(0, 0, 640, 640), tile.Image.Bounds())
		}
		assert.Equal(t, 440, tiles[3].OffsetX)
		assert.Equal(t, 440, tiles[3].OffsetY)
		assert.Equal(t, red, color.NRGBAModel.Convert(tiles[0].Image.At(500, 500)))
		assert.Equal(t, red, color.NRGBAModel.Convert(tiles[3].Image.At(60, 60)))

		img.SetNRGBA(500, 500, color.NRGBA{})
		assert.Equal(t, red, color.NRGBAModel.Convert(tiles[0].Image.At(500, 500)))
	})

	t.Run("Test frame too small", func(t *testing.T) {
		_, err := l.Partition(image.NewNRGBA(image.Rect(0, 0, 1920, 1080)))
		assert.ErrorIs(t, err, ErrFrameTooSmall)
	})
}

func TestRotate(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, red)
	img.SetNRGBA(1, 0, blue)

	t.Run("Test clockwise quarter turn", func(t *testing.T) {
		out := Rotate(img, 90)
		require.Equal(t, image.Rect(0, 0, 1, 2), out.Bounds())
		assert.Equal(t, red, color.NRGBAModel.Convert(out.At(0, 0)))
		assert.Equal(t, blue, color.NRGBAModel.Convert(out.At(0, 1)))
	})

	t.Run("Test counter clockwise quarter turn", func(t *testing.T) {
		out := Rotate(img, -90)
		require.Equal(t, image.Rect(0, 0, 1, 2), out.Bounds())
		assert.Equal(t, blue, color.NRGBAModel.Convert(out.At(0, 0)))
		assert.Equal(t, red, color.NRGBAModel.Convert(out.At(0, 1)))
	})

	t.Run("Test half turn", func(t *testing.T) {
		out := Rotate(img, 180)
		assert.Equal(t, blue, color.NRGBAModel.Convert(out.At(0, 0)))
		assert.Equal(t, red, color.NRGBAModel.Convert(out.At(1, 0)))
	})

	t.Run("Test no rotation", func(t *testing.T) {
		assert.Same(t, img, Rotate(img, 360))
	})
}
