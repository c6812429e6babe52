package iface

import (
	"context"
	"image"
	"sync"
	"time"
)

// Frame is one captured image waiting for inference. Rotation is clockwise, in degrees.
type Frame struct {
	Seq        uint64
	Image      image.Image
	Rotation   int
	CapturedAt time.Time

	release   func()
	closeOnce sync.Once
}

// NewFrame wraps an image with the hook that gives its buffer back to the source.
func NewFrame(seq uint64, img image.Image, rotation int, release func()) *Frame {
	return &Frame{
		Seq:        seq,
		Image:      img,
		Rotation:   rotation,
		CapturedAt: time.Now(),
		release:    release,
	}
}

// Close runs the release hook. Only the first call has any effect.
func (f *Frame) Close() {
	f.closeOnce.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

type FrameSource interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

type Tile struct {
	Index   int
	Image   image.Image
	OffsetX int
	OffsetY int
}

// Tensor is a planar NCHW float buffer.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// RawOutput is the detector output viewed as Rows rows of Stride values:
// left, top, right, bottom, confidence, class index, ...
type RawOutput struct {
	Rows   int
	Stride int
	Data   []float32
}

func (r RawOutput) Row(i int) []float32 {
	return r.Data[i*r.Stride : (i+1)*r.Stride]
}

type Backend interface {
	Infer(ctx context.Context, in Tensor) (RawOutput, error)
	InputSize() (width, height int)
	Destroy() error
}

// Result is one detection. Confidence is on a 0-100 scale.
type Result struct {
	Left       float32 `json:"left"`
	Top        float32 `json:"top"`
	Width      float32 `json:"width"`
	Height     float32 `json:"height"`
	ClassName  string  `json:"className"`
	Confidence float32 `json:"confidence"`
}

type ResultSet struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"`
	CapturedAt  time.Time `json:"capturedAt"`
	PublishedAt time.Time `json:"publishedAt"`
	Results     []Result  `json:"results"`
	Tiles       int       `json:"tiles"`
	FailedTiles int       `json:"failedTiles"`
}

// View is the display geometry used to map reference coordinates onto the screen.
type View struct {
	DX      float32 `json:"dx"`
	DY      float32 `json:"dy"`
	DiffY   float32 `json:"diffY"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	Version uint64  `json:"version"`
}

func DefaultView() View {
	return View{DX: 1, DY: 1, DiffY: 0, Width: 1, Height: 1}
}

type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}
