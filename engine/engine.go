package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	iface "TileDetServer/interface"
	"TileDetServer/logger"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003

var ErrDestroyed = errors.New("detector destroyed")

type Options struct {
	ModelPath string
	// SharedLibrary points at libonnxruntime, empty keeps the loader default
	SharedLibrary  string
	IntraOpThreads int
}

// Detector runs an ONNX model with a static [1,3,H,W] float input. One session is
// shared by all callers, every Infer call owns its tensors.
type Detector struct {
	ModelPath  string
	InputName  string
	OutputName string

	width   int
	height  int
	session *ort.DynamicAdvancedSession
	ownsEnv bool
	state   atomic.Int32

	mu          sync.RWMutex
	destroyOnce sync.Once
	destroyErr  error
}

// NewDetector loads the model once and prepares the shared session. Any error here means
// the model asset is unusable.
func NewDetector(opts Options) (*Detector, error) {
	data, err := os.ReadFile(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", opts.ModelPath, err)
	}

	d := &Detector{ModelPath: opts.ModelPath}
	d.state.Store(UNREGISTERED)

	if !ort.IsInitialized() {
		if opts.SharedLibrary != "" {
			ort.SetSharedLibraryPath(opts.SharedLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
		d.ownsEnv = true
	}
	d.state.Store(REGISTERED)

	if err := d.load(data, opts.IntraOpThreads); err != nil {
		return nil, multierr.Append(err, d.Destroy())
	}
	d.state.Store(IDLE)

	logger.Named("engine").Info("model loaded",
		zap.String("model", d.ModelPath),
		zap.String("input", d.InputName),
		zap.String("output", d.OutputName),
		zap.Int("width", d.width),
		zap.Int("height", d.height))
	return d, nil
}

func (d *Detector) load(data []byte, threads int) error {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return fmt.Errorf("read model io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return fmt.Errorf("model must have one input and at least one output, got %d and %d", len(inputs), len(outputs))
	}
	in := inputs[0]
	dims := in.Dimensions
	if len(dims) != 4 || dims[0] != 1 || dims[1] != 3 || dims[2] <= 0 || dims[3] <= 0 {
		return fmt.Errorf("model input %s must have static shape [1,3,H,W], got %v", in.Name, dims)
	}
	d.InputName = in.Name
	d.OutputName = outputs[0].Name
	d.height = int(dims[2])
	d.width = int(dims[3])

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()
	if threads > 0 {
		if err := options.SetIntraOpNumThreads(threads); err != nil {
			return fmt.Errorf("set intra op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data,
		[]string{d.InputName}, []string{d.OutputName}, options)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	d.session = session
	return nil
}

func (d *Detector) InputSize() (int, int) {
	return d.width, d.height
}

// State reports UNREGISTERED, REGISTERED or IDLE.
func (d *Detector) State() int {
	return int(d.state.Load())
}

// Infer is safe for concurrent use.
func (d *Detector) Infer(ctx context.Context, in iface.Tensor) (iface.RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return iface.RawOutput{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state.Load() != IDLE {
		return iface.RawOutput{}, ErrDestroyed
	}

	want := 3 * d.width * d.height
	if len(in.Data) != want {
		return iface.RawOutput{}, fmt.Errorf("input tensor has %d values, model expects %d", len(in.Data), want)
	}

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(d.height), int64(d.width)), in.Data)
	if err != nil {
		return iface.RawOutput{}, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := d.session.Run([]ort.Value{input}, outputs); err != nil {
		return iface.RawOutput{}, fmt.Errorf("run session: %w", err)
	}
	defer outputs[0].Destroy()

	output, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return iface.RawOutput{}, fmt.Errorf("output %s is not a float32 tensor", d.OutputName)
	}
	return toRawOutput(output.GetShape(), output.GetData())
}

// toRawOutput views an output of shape [1,N,S] or [N,S] as N rows of S values.
func toRawOutput(shape ort.Shape, data []float32) (iface.RawOutput, error) {
	if len(shape) < 2 {
		return iface.RawOutput{}, fmt.Errorf("unexpected output shape %v", shape)
	}
	stride := int(shape[len(shape)-1])
	if stride <= 0 {
		return iface.RawOutput{}, fmt.Errorf("unexpected output shape %v", shape)
	}
	out := make([]float32, len(data))
	copy(out, data)
	return iface.RawOutput{
		Rows:   len(out) / stride,
		Stride: stride,
		Data:   out,
	}, nil
}

// Destroy releases the session and, when this detector initialized it, the environment.
// Calls after the first return the first result.
func (d *Detector) Destroy() error {
	d.destroyOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.session != nil {
			d.destroyErr = multierr.Append(d.destroyErr, d.session.Destroy())
			d.session = nil
		}
		if d.ownsEnv {
			d.destroyErr = multierr.Append(d.destroyErr, ort.DestroyEnvironment())
		}
		d.state.Store(UNREGISTERED)
	})
	return d.destroyErr
}
