package registry

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/leafy/internal/onnx"
	onnxrt "github.com/yalue/onnxruntime_go"
)

// Session runs one classifier model. Implementations must be safe for
// concurrent Run calls.
type Session interface {
	// Run feeds a single-image tensor and returns the output probability vector.
	Run(input onnx.Tensor) ([]float32, error)
	Close() error
}

// onnxSession adapts an onnxruntime DynamicAdvancedSession.
type onnxSession struct {
	session *onnxrt.DynamicAdvancedSession
	input   onnxrt.InputOutputInfo
	output  onnxrt.InputOutputInfo
}

// SessionOptions tunes ONNX session creation.
type SessionOptions struct {
	NumThreads int
	GPU        onnx.GPUConfig
}

func createSessionOptions(cfg SessionOptions) (*onnxrt.SessionOptions, error) {
	opts, err := onnxrt.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session opts: %w", err)
	}

	if err := onnx.ValidateGPUConfig(cfg.GPU); err != nil {
		_ = opts.Destroy()
		return nil, err
	}
	if err := onnx.ConfigureSessionForGPU(opts, cfg.GPU); err != nil {
		_ = opts.Destroy()
		return nil, fmt.Errorf("failed to configure GPU: %w", err)
	}

	if cfg.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			slog.Warn("failed to set intra-op threads", "threads", cfg.NumThreads, "error", err)
		}
	}

	return opts, nil
}

func validateModelIO(inputs, outputs []onnxrt.InputOutputInfo) (onnxrt.InputOutputInfo, onnxrt.InputOutputInfo, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return onnxrt.InputOutputInfo{}, onnxrt.InputOutputInfo{},
			fmt.Errorf("unexpected io (in:%d out:%d)", len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if len(in.Dimensions) != 4 {
		return onnxrt.InputOutputInfo{}, onnxrt.InputOutputInfo{},
			fmt.Errorf("expected 4D input, got %dD", len(in.Dimensions))
	}
	return in, out, nil
}

// openONNXSession loads a model file. The runtime must already be initialised.
// It returns the declared image input and the declared class count (0 if dynamic).
func openONNXSession(modelPath string, cfg SessionOptions) (*onnxSession, onnx.InputSpec, int, error) {
	inputs, outputs, err := onnxrt.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, onnx.InputSpec{}, 0, fmt.Errorf("io info: %w", err)
	}
	in, out, err := validateModelIO(inputs, outputs)
	if err != nil {
		return nil, onnx.InputSpec{}, 0, err
	}
	spec, err := onnx.InputSpecFromShape(in.Dimensions)
	if err != nil {
		return nil, onnx.InputSpec{}, 0, err
	}

	opts, err := createSessionOptions(cfg)
	if err != nil {
		return nil, onnx.InputSpec{}, 0, err
	}
	defer func() { _ = opts.Destroy() }()

	sess, err := onnxrt.NewDynamicAdvancedSession(modelPath, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, onnx.InputSpec{}, 0, fmt.Errorf("session: %w", err)
	}

	classes := 0
	if dims := out.Dimensions; len(dims) > 0 && dims[len(dims)-1] > 0 {
		classes = int(dims[len(dims)-1])
	}
	return &onnxSession{session: sess, input: in, output: out}, spec, classes, nil
}

func (s *onnxSession) Run(input onnx.Tensor) ([]float32, error) {
	if s.session == nil {
		return nil, errors.New("session closed")
	}
	in, err := onnxrt.NewTensor(onnxrt.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("tensor: %w", err)
	}
	defer func() {
		if err := in.Destroy(); err != nil {
			slog.Warn("failed to destroy input tensor", "error", err)
		}
	}()

	outputs := []onnxrt.Value{nil}
	if err := s.session.Run([]onnxrt.Value{in}, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				if err := o.Destroy(); err != nil {
					slog.Warn("failed to destroy output tensor", "error", err)
				}
			}
		}
	}()

	t, ok := outputs[0].(*onnxrt.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	// A leading batch axis of 1 is the only supported output batch.
	shape := t.GetShape()
	if len(shape) > 1 && shape[0] != 1 {
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
	return append([]float32(nil), t.GetData()...), nil
}

func (s *onnxSession) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
