package postprocess

import (
	"image"
	"math/rand"
	"testing"

	iface "TileDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	labels   = []string{"redlight", "greenlight"}
	ref      = iface.Size{Width: 1080, Height: 1920}
	identity = iface.View{DX: 1, DY: 1, DiffY: 0, Width: 1080, Height: 1920}
)

func rows(r ...[]float32) iface.RawOutput {
	out := iface.RawOutput{Stride: 6}
	for _, row := range r {
		out.Data = append(out.Data, row...)
		out.Rows++
	}
	return out
}

func decoder(threshold float32) Decoder {
	return Decoder{Threshold: threshold, InputWidth: 640, InputHeight: 640, Labels: labels, Iou: 0.3}
}

func TestDecode(t *testing.T) {
	t.Run("Test tile offset round trip", func(t *testing.T) {
		res, err := decoder(0.75).Decode(rows([]float32{0, 0, 100, 100, 0.9, 0}), image.Pt(440, 440), identity, ref)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, iface.Result{Left: 440, Top: 440, Width: 100, Height: 100, ClassName: "redlight", Confidence: res[0].Confidence}, res[0])
		assert.InDelta(t, 90, res[0].Confidence, 1e-4)
	})

	t.Run("Test low confidence dropped", func(t *testing.T) {
		res, err := decoder(0.75).Decode(rows([]float32{0, 0, 100, 100, 0.5, 0}), image.Pt(0, 0), identity, ref)
		require.NoError(t, err)
		assert.Empty(t, res)
	})

	t.Run("Test threshold is exclusive", func(t *testing.T) {
		res, err := decoder(0.75).Decode(rows([]float32{0, 0, 10, 10, 0.75, 1}), image.Pt(0, 0), identity, ref)
		require.NoError(t, err)
		assert.Empty(t, res)
	})

	t.Run("Test clamping", func(t *testing.T) {
		view := iface.View{DX: 2, DY: 0.5, DiffY: 100, Width: 1, Height: 1}
		res, err := decoder(0.1).Decode(rows(
			[]float32{-50, -50, 1000, 900, 0.8, 1},
			[]float32{30, 30, 10, 10, 0.8, 0},
		), image.Pt(0, 0), view, ref)
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Equal(t, float32(0), res[0].Left)
		assert.Equal(t, float32(0), res[0].Top)
		assert.Equal(t, float32(640*2), res[0].Width)
		assert.Equal(t, float32(640*0.5), res[0].Height)
		assert.Equal(t, float32(0), res[1].Width)
		assert.Equal(t, float32(0), res[1].Height)
		for _, r := range res {
			assert.GreaterOrEqual(t, r.Left, float32(0))
			assert.GreaterOrEqual(t, r.Top, float32(0))
		}
	})

	t.Run("Test letterbox offset", func(t *testing.T) {
		view := iface.View{DX: 1, DY: 1, DiffY: -300, Width: 1080, Height: 2220}
		res, err := decoder(0.75).Decode(rows([]float32{5, 10, 55, 60, 0.9, 1}), image.Pt(0, 440), view, ref)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, float32(5), res[0].Left)
		assert.Equal(t, float32(10+440+150), res[0].Top)
		assert.Equal(t, "greenlight", res[0].ClassName)
	})

	t.Run("Test label mismatch", func(t *testing.T) {
		_, err := decoder(0.75).Decode(rows([]float32{0, 0, 10, 10, 0.9, 7}), image.Pt(0, 0), identity, ref)
		assert.ErrorIs(t, err, ErrLabelMismatch)
	})

	t.Run("Test label mismatch below threshold is ignored", func(t *testing.T) {
		_, err := decoder(0.75).Decode(rows([]float32{0, 0, 10, 10, 0.2, 7}), image.Pt(0, 0), identity, ref)
		assert.NoError(t, err)
	})

	t.Run("Test malformed output", func(t *testing.T) {
		_, err := decoder(0.75).Decode(iface.RawOutput{Rows: 1, Stride: 5, Data: make([]float32, 5)}, image.Pt(0, 0), identity, ref)
		assert.ErrorIs(t, err, ErrMalformedOutput)
		_, err = decoder(0.75).Decode(iface.RawOutput{Rows: 2, Stride: 6, Data: make([]float32, 6)}, image.Pt(0, 0), identity, ref)
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("Test empty output", func(t *testing.T) {
		res, err := decoder(0.75).Decode(iface.RawOutput{Stride: 6}, image.Pt(0, 0), identity, ref)
		require.NoError(t, err)
		assert.Empty(t, res)
	})

	t.Run("Test extra columns ignored", func(t *testing.T) {
		raw := iface.RawOutput{Rows: 1, Stride: 8, Data: []float32{0, 0, 10, 10, 0.9, 1, 42, 42}}
		res, err := decoder(0.75).Decode(raw, image.Pt(0, 0), identity, ref)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "greenlight", res[0].ClassName)
	})

	t.Run("Test tile nms", func(t *testing.T) {
		d := decoder(0.5)
		d.TileNMS = true
		raw := rows(
			[]float32{0, 0, 100, 100, 0.8, 0},
			[]float32{5, 5, 105, 105, 0.9, 0},
			[]float32{300, 300, 320, 320, 0.7, 1},
		)
		res, err := d.Decode(raw, image.Pt(0, 0), identity, ref)
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Equal(t, float32(5), res[0].Left)
		assert.Equal(t, float32(300), res[1].Left)
	})
}

func TestFilterMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	raw := iface.RawOutput{Stride: 6}
	for i := 0; i < 200; i++ {
		l, tp := rng.Float32()*600, rng.Float32()*600
		raw.Data = append(raw.Data, l, tp, l+rng.Float32()*40, tp+rng.Float32()*40, rng.Float32(), float32(rng.Intn(2)))
		raw.Rows++
	}
	prev := -1
	for th := float32(0); th <= 1; th += 0.05 {
		res, err := decoder(th).Decode(raw, image.Pt(440, 880), identity, ref)
		require.NoError(t, err)
		if prev >= 0 {
			assert.LessOrEqual(t, len(res), prev, "threshold %v", th)
		}
		prev = len(res)
	}
}

func box(l, t, w, h, conf float32) iface.Result {
	return iface.Result{Left: l, Top: t, Width: w, Height: h, ClassName: "redlight", Confidence: conf}
}

func TestIoU(t *testing.T) {
	a := box(10, 10, 50, 40, 90)
	assert.Equal(t, float32(1), IoU(a, a))
	assert.Equal(t, float32(0), IoU(a, box(100, 100, 10, 10, 90)))
	assert.Equal(t, float32(0), IoU(a, box(60, 10, 10, 10, 90)))
	assert.Equal(t, float32(0), IoU(box(5, 5, 0, 0, 90), box(5, 5, 0, 0, 90)))
	assert.InDelta(t, 0.5, IoU(box(450, 100, 150, 100, 90), box(500, 100, 150, 100, 85)), 1e-6)
}

func TestNMS(t *testing.T) {
	t.Run("Test keeps most confident", func(t *testing.T) {
		in := []iface.Result{box(500, 100, 150, 100, 85), box(450, 100, 150, 100, 90)}
		out := NMS(in, 0.3)
		require.Len(t, out, 1)
		assert.Equal(t, float32(90), out[0].Confidence)
		assert.Equal(t, float32(85), in[0].Confidence)
	})

	t.Run("Test class agnostic", func(t *testing.T) {
		g := box(0, 0, 10, 10, 80)
		g.ClassName = "greenlight"
		out := NMS([]iface.Result{box(0, 0, 10, 10, 90), g}, 0.3)
		require.Len(t, out, 1)
		assert.Equal(t, "redlight", out[0].ClassName)
	})

	t.Run("Test stable for ties", func(t *testing.T) {
		in := []iface.Result{box(0, 0, 10, 10, 80), box(100, 0, 10, 10, 80), box(200, 0, 10, 10, 95)}
		out := NMS(in, 0.3)
		require.Len(t, out, 3)
		assert.Equal(t, float32(200), out[0].Left)
		assert.Equal(t, float32(0), out[1].Left)
		assert.Equal(t, float32(100), out[2].Left)
	})

	t.Run("Test empty", func(t *testing.T) {
		assert.Empty(t, NMS(nil, 0.3))
	})

	t.Run("Test idempotent", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		var in []iface.Result
		for i := 0; i < 300; i++ {
			in = append(in, box(rng.Float32()*1000, rng.Float32()*1800, 20+rng.Float32()*80, 20+rng.Float32()*80, rng.Float32()*100))
		}
		once := NMS(in, 0.3)
		assert.Equal(t, once, NMS(once, 0.3))
		for i := 1; i < len(once); i++ {
			assert.GreaterOrEqual(t, once[i-1].Confidence, once[i].Confidence)
		}
	})
}

func TestMergeAcrossTiles(t *testing.T) {
	d := decoder(0.75)
	left, err := d.Decode(rows([]float32{450, 100, 600, 200, 0.9, 0}), image.Pt(0, 0), identity, ref)
	require.NoError(t, err)
	right, err := d.Decode(rows([]float32{60, 100, 210, 200, 0.85, 0}), image.Pt(440, 0), identity, ref)
	require.NoError(t, err)
	require.Len(t, right, 1)
	assert.Equal(t, float32(500), right[0].Left)
	assert.InDelta(t, 0.5, IoU(left[0], right[0]), 1e-6)

	merged := Merge([][]iface.Result{left, right}, 0.3)
	require.Len(t, merged, 1)
	assert.InDelta(t, 90, merged[0].Confidence, 1e-4)
	assert.Equal(t, float32(450), merged[0].Left)
}
