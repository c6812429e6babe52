package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	iface "TileDetServer/interface"
	"TileDetServer/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Sensor resolution before rotation. A 90 degree rotation gives the 1080x1920 reference frame.
const (
	FrameWidth  = 1920
	FrameHeight = 1080
)

const maxEmptyReads = 30

// Camera reads frames from a capture device, video file or stream URL.
type Camera struct {
	device   string
	rotation int
	cap      *gocv.VideoCapture
	mat      gocv.Mat

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// OpenCamera opens device, which is a device index such as "0" or anything OpenCV can open.
func OpenCamera(device string, rotation int, fps float64) (*Camera, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", device, err)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, FrameWidth)
	vc.Set(gocv.VideoCaptureFrameHeight, FrameHeight)
	if fps > 0 {
		vc.Set(gocv.VideoCaptureFPS, fps)
	}
	// keep only the latest frame in the driver queue
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	logger.Named("source").Info("capture opened",
		zap.String("device", device),
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)),
		zap.Int("rotation", rotation))
	return &Camera{device: device, rotation: rotation, cap: vc, mat: gocv.NewMat()}, nil
}

// Next blocks on the device. A file or stream that ended yields io.EOF.
func (c *Camera) Next(ctx context.Context) (*iface.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, io.EOF
	}
	for empty := 0; ; empty++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.cap.Read(&c.mat) {
			return nil, io.EOF
		}
		if !c.mat.Empty() {
			break
		}
		if empty >= maxEmptyReads {
			return nil, fmt.Errorf("capture %s: %d empty reads", c.device, empty)
		}
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	c.seq++
	return iface.NewFrame(c.seq, img, c.rotation, nil), nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return multierr.Combine(c.mat.Close(), c.cap.Close())
}

// DecodeImage decodes jpeg, png or anything else OpenCV reads.
func DecodeImage(data []byte) (image.Image, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("decoded image is empty or unsupported format")
	}
	return mat.ToImage()
}
