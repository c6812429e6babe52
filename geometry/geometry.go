package geometry

import (
	"errors"
	"fmt"

	iface "TileDetServer/interface"

	"go.uber.org/atomic"
)

var ErrInvalidViewSize = errors.New("view size must be positive")

// Mapper holds the display geometry. Resize swaps in a new immutable View, so a reader
// holding a snapshot never sees a half updated one.
type Mapper struct {
	ref  iface.Size
	view atomic.Pointer[iface.View]
}

// NewMapper starts from DefaultView until the first Resize.
func NewMapper(ref iface.Size) *Mapper {
	m := &Mapper{ref: ref}
	v := iface.DefaultView()
	m.view.Store(&v)
	return m
}

func (m *Mapper) Reference() iface.Size {
	return m.ref
}

// Resize recomputes the letterbox correction for a view of the given size. For the
// 1080x1920 reference: diffY = w*16/9 - h, dx = w/1080, dy = (h+diffY)/1920.
func (m *Mapper) Resize(viewWidth, viewHeight int) (iface.View, error) {
	if viewWidth <= 0 || viewHeight <= 0 {
		return m.Snapshot(), fmt.Errorf("%w: got %dx%d", ErrInvalidViewSize, viewWidth, viewHeight)
	}
	w, h := float32(viewWidth), float32(viewHeight)
	diffY := w*float32(m.ref.Height)/float32(m.ref.Width) - h
	for {
		old := m.view.Load()
		next := &iface.View{
			DX:      w / float32(m.ref.Width),
			DY:      (h + diffY) / float32(m.ref.Height),
			DiffY:   diffY,
			Width:   viewWidth,
			Height:  viewHeight,
			Version: old.Version + 1,
		}
		if m.view.CompareAndSwap(old, next) {
			return *next, nil
		}
	}
}

func (m *Mapper) Snapshot() iface.View {
	return *m.view.Load()
}
