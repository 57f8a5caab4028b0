// Package onnx - ONNX Runtime adapter for an exported detection head. It
// feeds pooled per-region features to the exported model and returns the
// (class logits, box deltas) pair the decoder consumes.
package onnx

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

var ortInit sync.Once

// HeadOpts fixes the tensor geometry of a head session. ONNX Runtime
// sessions bind tensors of a fixed shape, so the region count is part of the
// session; rebind by creating a new session for a different count.
type HeadOpts struct {
	// Regions is the number of pooled regions per run.
	Regions int
	// Features is the pooled feature width.
	Features int
	// NumClasses is the foreground class count; the score output carries one
	// extra background column.
	NumClasses int
	// RegressionClasses is 1 for a class-agnostic box head, NumClasses
	// otherwise.
	RegressionClasses int
	// LibraryPath overrides the platform default ONNX Runtime shared
	// library location.
	LibraryPath string
}

func (o *HeadOpts) validate() error {
	if o.Regions <= 0 || o.Features <= 0 {
		return errors.Errorf("invalid head geometry: %d regions, %d features", o.Regions, o.Features)
	}
	if o.NumClasses <= 0 {
		return errors.Errorf("num classes must be positive, got %d", o.NumClasses)
	}
	if o.RegressionClasses != 1 && o.RegressionClasses != o.NumClasses {
		return errors.Errorf("regression classes must be 1 or %d, got %d",
			o.NumClasses, o.RegressionClasses)
	}
	return nil
}

// HeadSession runs an exported detection head. The model must take one
// "features" input of shape (R, F) and produce "scores" (R, K+1) and
// "deltas" (R, k*4) outputs.
type HeadSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	scores  *ort.Tensor[float32]
	deltas  *ort.Tensor[float32]
	opts    HeadOpts
}

// NewHeadSession loads the exported head model and binds its tensors. Call
// Destroy when done.
func NewHeadSession(modelPath string, opts HeadOpts) (*HeadSession, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	libPath := opts.LibraryPath
	if libPath == "" {
		libPath = defaultSharedLibPath()
	}
	var initErr error
	ortInit.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, errors.Wrap(initErr, "initializing onnxruntime")
	}

	input, err := ort.NewEmptyTensor[float32](
		ort.NewShape(int64(opts.Regions), int64(opts.Features)))
	if err != nil {
		return nil, errors.Wrap(err, "creating feature tensor")
	}
	scores, err := ort.NewEmptyTensor[float32](
		ort.NewShape(int64(opts.Regions), int64(opts.NumClasses+1)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "creating score tensor")
	}
	deltas, err := ort.NewEmptyTensor[float32](
		ort.NewShape(int64(opts.Regions), int64(opts.RegressionClasses*4)))
	if err != nil {
		input.Destroy()
		scores.Destroy()
		return nil, errors.Wrap(err, "creating delta tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		scores.Destroy()
		deltas.Destroy()
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"features"},
		[]string{"scores", "deltas"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{scores, deltas},
		options,
	)
	if err != nil {
		input.Destroy()
		scores.Destroy()
		deltas.Destroy()
		return nil, errors.Wrapf(err, "loading head model %s", modelPath)
	}

	return &HeadSession{
		session: session,
		input:   input,
		scores:  scores,
		deltas:  deltas,
		opts:    opts,
	}, nil
}

// Forward runs the head on (R, F) pooled features, returning copies of the
// logit and delta outputs so later runs do not overwrite them.
func (s *HeadSession) Forward(features *tensor.Dense) (logits, deltas *tensor.Dense, err error) {
	fs := features.Shape()
	if len(fs) != 2 || fs[0] != s.opts.Regions || fs[1] != s.opts.Features {
		return nil, nil, errors.Errorf("features must have shape (%d, %d), got %v",
			s.opts.Regions, s.opts.Features, fs)
	}

	copy(s.input.GetData(), features.Data().([]float32))
	if err := s.session.Run(); err != nil {
		return nil, nil, errors.Wrap(err, "running head model")
	}

	logits = copyDense(s.scores.GetData(), s.opts.Regions, s.opts.NumClasses+1)
	deltas = copyDense(s.deltas.GetData(), s.opts.Regions, s.opts.RegressionClasses*4)
	return logits, deltas, nil
}

// Destroy releases the session and its bound tensors.
func (s *HeadSession) Destroy() {
	s.session.Destroy()
	s.input.Destroy()
	s.scores.Destroy()
	s.deltas.Destroy()
}

func copyDense(data []float32, rows, cols int) *tensor.Dense {
	backing := make([]float32, len(data))
	copy(backing, data)
	return tensor.New(
		tensor.WithShape(rows, cols),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(backing),
	)
}

// defaultSharedLibPath returns the ONNX Runtime library location for the
// current platform.
func defaultSharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "third_party/onnxruntime.dll"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "third_party/onnxruntime_arm64.dylib"
		}
		return "third_party/onnxruntime_amd64.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "third_party/onnxruntime_arm64.so"
		}
		return "third_party/onnxruntime.so"
	}
}
