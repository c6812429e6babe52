package geometry

import (
	"sync"
	"testing"

	iface "TileDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ref = iface.Size{Width: 1080, Height: 1920}

func TestMapper(t *testing.T) {
	t.Run("Test defaults", func(t *testing.T) {
		m := NewMapper(ref)
		assert.Equal(t, iface.DefaultView(), m.Snapshot())
		assert.Equal(t, ref, m.Reference())
	})

	t.Run("Test reference size is identity", func(t *testing.T) {
		m := NewMapper(ref)
		v, err := m.Resize(1080, 1920)
		require.NoError(t, err)
		assert.Equal(t, iface.View{DX: 1, DY: 1, DiffY: 0, Width: 1080, Height: 1920, Version: 1}, v)
		assert.Equal(t, v, m.Snapshot())
	})

	t.Run("Test tall view letterbox", func(t *testing.T) {
		m := NewMapper(ref)
		v, err := m.Resize(1080, 2220)
		require.NoError(t, err)
		assert.Equal(t, float32(-300), v.DiffY)
		assert.Equal(t, float32(1), v.DX)
		assert.Equal(t, float32(1), v.DY)
	})

	t.Run("Test half size view", func(t *testing.T) {
		m := NewMapper(ref)
		v, err := m.Resize(540, 1000)
		require.NoError(t, err)
		assert.Equal(t, float32(-40), v.DiffY)
		assert.Equal(t, float32(0.5), v.DX)
		assert.Equal(t, float32(0.5), v.DY)
	})

	t.Run("Test invalid size keeps previous view", func(t *testing.T) {
		m := NewMapper(ref)
		_, err := m.Resize(1080, 1920)
		require.NoError(t, err)
		_, err = m.Resize(0, 100)
		assert.ErrorIs(t, err, ErrInvalidViewSize)
		_, err = m.Resize(100, -1)
		assert.ErrorIs(t, err, ErrInvalidViewSize)
		assert.Equal(t, uint64(1), m.Snapshot().Version)
	})

	t.Run("Test concurrent readers see whole views", func(t *testing.T) {
		m := NewMapper(ref)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if i%2 == 0 {
					_, _ = m.Resize(1080, 1920)
				} else {
					_, _ = m.Resize(540, 1000)
				}
			}
		}()
		for i := 0; i < 500; i++ {
			v := m.Snapshot()
			switch v.Width {
			case 1:
				assert.Equal(t, float32(1), v.DX)
			case 1080:
				assert.Equal(t, float32(0), v.DiffY)
			case 540:
				assert.Equal(t, float32(-40), v.DiffY)
			}
		}
		wg.Wait()
		assert.Equal(t, uint64(500), m.Snapshot().Version)
	})
}
