package postprocess

import (
	"errors"
	"fmt"
	"image"

	iface "TileDetServer/interface"
)

// Row layout of the detector output.
const (
	LEFT = iota
	TOP
	RIGHT
	BOTTOM
	CONFIDENCE
	CLASS_INDEX
	minStride
)

var (
	ErrMalformedOutput = errors.New("malformed detector output")
	// ErrLabelMismatch means the model and the label file disagree. It is not recoverable per tile.
	ErrLabelMismatch = errors.New("class index outside label list")
)

type Decoder struct {
	// Threshold is on the raw 0-1 scale, rows at or below it are dropped
	Threshold   float32
	InputWidth  int
	InputHeight int
	Labels      []string
	// TileNMS suppresses duplicates within one tile before the cross tile merge
	TileNMS bool
	Iou     float32
}

// Decode turns one tile's raw rows into results in display coordinates. offset is the
// tile's top left corner in the rotated frame, ref the resolution the offsets refer to.
func (d Decoder) Decode(raw iface.RawOutput, offset image.Point, view iface.View, ref iface.Size) ([]iface.Result, error) {
	if raw.Rows < 0 || raw.Stride < minStride || len(raw.Data) < raw.Rows*raw.Stride {
		return nil, fmt.Errorf("%w: %d rows of %d values in %d floats", ErrMalformedOutput, raw.Rows, raw.Stride, len(raw.Data))
	}

	phoneOffsetX := float32(view.Width) / float32(ref.Width) * float32(offset.X)
	phoneOffsetY := (float32(view.Height) + view.DiffY) / float32(ref.Height) * float32(offset.Y)

	var out []iface.Result
	for i := 0; i < raw.Rows; i++ {
		row := raw.Row(i)
		if row[CONFIDENCE] <= d.Threshold {
			continue
		}
		class := int(row[CLASS_INDEX])
		if class < 0 || class >= len(d.Labels) {
			return nil, fmt.Errorf("%w: index %d, %d labels", ErrLabelMismatch, class, len(d.Labels))
		}
		out = append(out, iface.Result{
			Left:       max(0, row[LEFT]*view.DX+phoneOffsetX),
			Top:        max(0, row[TOP]*view.DY+phoneOffsetY-view.DiffY/2),
			Width:      min(float32(d.InputWidth), max(0, row[RIGHT]-row[LEFT])) * view.DX,
			Height:     min(float32(d.InputHeight), max(0, row[BOTTOM]-row[TOP])) * view.DY,
			ClassName:  d.Labels[class],
			Confidence: row[CONFIDENCE] * 100,
		})
	}
	if d.TileNMS {
		out = NMS(out, d.Iou)
	}
	return out, nil
}
