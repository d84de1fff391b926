// Package registry holds the locally loaded per-crop disease classifiers.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MeKo-Tech/leafy/internal/classify"
	"github.com/MeKo-Tech/leafy/internal/labels"
	"github.com/MeKo-Tech/leafy/internal/onnx"
)

// ErrUnknownCrop is matched by UnknownCropError.
var ErrUnknownCrop = errors.New("unknown crop type")

// UnknownCropError is returned for crops without a loaded model.
type UnknownCropError struct {
	Crop      string
	Available []string
}

func (e *UnknownCropError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("no model loaded for crop type %q", e.Crop)
	}
	return fmt.Sprintf("no model loaded for crop type %q (available: %s)", e.Crop, strings.Join(e.Available, ", "))
}

func (e *UnknownCropError) Is(target error) bool { return target == ErrUnknownCrop }

// OutputSizeError reports a model output that does not line up with its label catalog.
type OutputSizeError struct {
	Crop     string
	Got      int
	Expected int
}

func (e *OutputSizeError) Error() string {
	return fmt.Sprintf("model for %s returned %d scores, label catalog has %d", e.Crop, e.Got, e.Expected)
}

// Entry is one loaded crop classifier.
type Entry struct {
	Crop    string
	Catalog *labels.Catalog
	Session Session
	// Input is the model's declared image input. Zero Height/Width accept any size.
	Input     onnx.InputSpec
	ModelPath string
}

// Registry maps crop types to classifiers. It is immutable after construction
// and safe for concurrent use.
type Registry struct {
	entries map[string]Entry
	order   []string
	logger  *slog.Logger
}

// New builds a registry from already opened entries. Later entries for the
// same crop replace earlier ones.
func New(logger *slog.Logger, entries ...Entry) (*Registry, error) {
	r := newRegistry(logger)
	for _, e := range entries {
		if e.Crop == "" {
			return nil, errors.New("registry entry without crop type")
		}
		if e.Catalog == nil || e.Session == nil {
			return nil, fmt.Errorf("registry entry %s is missing its catalog or session", e.Crop)
		}
		r.add(e)
	}
	return r, nil
}

func newRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{entries: make(map[string]Entry), logger: logger}
}

func (r *Registry) add(e Entry) {
	if _, seen := r.entries[e.Crop]; !seen {
		r.order = append(r.order, e.Crop)
	}
	r.entries[e.Crop] = e
}

// Crops returns the loaded crop types in load order.
func (r *Registry) Crops() []string {
	return append([]string(nil), r.order...)
}

// Has reports whether crop has a loaded model.
func (r *Registry) Has(crop string) bool {
	_, ok := r.entries[crop]
	return ok
}

// Len returns the number of loaded crops.
func (r *Registry) Len() int { return len(r.order) }

// Catalog returns the label catalog of a loaded crop.
func (r *Registry) Catalog(crop string) (*labels.Catalog, bool) {
	e, ok := r.entries[crop]
	if !ok {
		return nil, false
	}
	return e.Catalog, true
}

// Input returns the input a crop's model declares. Zero height or width
// means the model accepts any size along that axis.
func (r *Registry) Input(crop string) (onnx.InputSpec, bool) {
	e, ok := r.entries[crop]
	if !ok {
		return onnx.InputSpec{}, false
	}
	return e.Input, true
}

// Predict classifies a preprocessed image tensor with the crop's model. The
// model output is used as-is: no softmax or renormalisation is applied.
func (r *Registry) Predict(input onnx.Tensor, crop string) (classify.Result, error) {
	e, ok := r.entries[crop]
	if !ok {
		return classify.Result{}, &UnknownCropError{Crop: crop, Available: r.Crops()}
	}

	conformed, err := conform(input, e.Input)
	if err != nil {
		return classify.Result{}, fmt.Errorf("%s model input: %w", crop, err)
	}

	scores, err := e.Session.Run(conformed)
	if err != nil {
		return classify.Result{}, fmt.Errorf("%s inference failed: %w", crop, err)
	}
	if len(scores) != e.Catalog.Len() {
		return classify.Result{}, &OutputSizeError{Crop: crop, Got: len(scores), Expected: e.Catalog.Len()}
	}

	probs := make(classify.Distribution, len(scores))
	for i, v := range scores {
		name, _ := e.Catalog.Name(i)
		probs[i] = classify.Score{Label: name, Probability: float64(v)}
	}

	result, err := classify.NewResult(probs, crop)
	if err != nil {
		return classify.Result{}, err
	}
	r.logger.Debug("local prediction",
		"crop", crop,
		"prediction", result.TopPrediction,
		"confidence", result.Confidence())
	return result, nil
}

// conform rearranges the tensor to the model's declared layout and checks fixed spatial sizes.
func conform(t onnx.Tensor, spec onnx.InputSpec) (onnx.Tensor, error) {
	if err := onnx.VerifyImageTensor(t); err != nil {
		return onnx.Tensor{}, err
	}
	_, h, w := t.Dims()
	if (spec.Height > 0 && spec.Height != h) || (spec.Width > 0 && spec.Width != w) {
		return onnx.Tensor{}, fmt.Errorf("tensor is %dx%d, model expects %dx%d", w, h, spec.Width, spec.Height)
	}
	return t.ToLayout(spec.Layout)
}

// Close releases all model sessions.
func (r *Registry) Close() error {
	var errs []error
	for _, crop := range r.order {
		if err := r.entries[crop].Session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", crop, err))
		}
	}
	return errors.Join(errs...)
}
