package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/leafy/internal/classify"
)

// Disease response failures.
var (
	ErrUnexpectedResponse  = errors.New("unexpected response type")
	ErrNoValidPredictions  = errors.New("no valid predictions in response")
	ErrNoDiseasePrediction = errors.New("no disease predictions found")
	ErrNoTopPrediction     = errors.New("could not determine top disease prediction")
)

// ClassifyError wraps every failure of a remote classification.
type ClassifyError struct {
	Model string
	Err   error
}

func (e *ClassifyError) Error() string {
	return fmt.Sprintf("remote classification (%s): %v", e.Model, e.Err)
}

func (e *ClassifyError) Unwrap() error { return e.Err }

type diseaseEntry struct {
	Confidence json.RawMessage `json:"confidence"`
}

// confidence returns 0 for an absent field and rejects null or non-numbers.
func (e diseaseEntry) confidence() (float64, error) {
	if len(e.Confidence) == 0 {
		return 0, nil
	}
	if bytes.Equal(e.Confidence, []byte("null")) {
		return 0, errors.New("confidence is null")
	}
	var v float64
	if err := json.Unmarshal(e.Confidence, &v); err != nil {
		return 0, fmt.Errorf("confidence is not a number: %s", e.Confidence)
	}
	return v, nil
}

// ParseDiseasePayload reads a disease model response of the form
// {"predictions": {"Name": {"confidence": 0.9}, ...}} keeping document order.
func ParseDiseasePayload(raw []byte) (classify.Distribution, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return nil, ErrUnexpectedResponse
	}

	preds, ok := top["predictions"]
	if !ok {
		if msg, ok := top["error"]; ok {
			return nil, fmt.Errorf("%w - %s", ErrNoValidPredictions, bytes.Trim(msg, `"`))
		}
		return nil, ErrNoValidPredictions
	}

	preds = bytes.TrimSpace(preds)
	switch {
	case len(preds) == 0, bytes.Equal(preds, []byte("null")), bytes.Equal(preds, []byte("[]")):
		return nil, ErrNoDiseasePrediction
	case preds[0] != '{':
		return nil, fmt.Errorf("%w: predictions is not an object", ErrNoValidPredictions)
	}

	dec := json.NewDecoder(bytes.NewReader(preds))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoValidPredictions, err)
	}
	out := classify.Distribution{}
	seen := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoValidPredictions, err)
		}
		name, _ := keyTok.(string)
		var entry diseaseEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("%w: prediction %q: %v", ErrNoValidPredictions, name, err)
		}
		conf, err := entry.confidence()
		if err != nil {
			return nil, fmt.Errorf("%w: prediction %q: %v", ErrNoValidPredictions, name, err)
		}
		// A repeated name keeps its first position and takes the last value.
		if i, dup := seen[name]; dup {
			out[i].Probability = conf
			continue
		}
		seen[name] = len(out)
		out = append(out, classify.Score{Label: name, Probability: conf})
	}
	if len(out) == 0 {
		return nil, ErrNoDiseasePrediction
	}
	return out, nil
}

// TopDisease returns the first entry whose confidence is above every earlier
// one, starting from zero. It reports false when no entry is positive.
func TopDisease(d classify.Distribution) (string, bool) {
	best, name := 0.0, ""
	for _, s := range d {
		if s.Probability > best {
			best, name = s.Probability, s.Label
		}
	}
	return name, best > 0
}

// DiseaseClassifier classifies leaf diseases with a hosted model.
type DiseaseClassifier struct {
	client Inferer
	model  string
	logger *slog.Logger
}

// NewDiseaseClassifier creates a classifier for modelID (DefaultDiseaseModel when empty).
func NewDiseaseClassifier(client Inferer, modelID string, logger *slog.Logger) *DiseaseClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	if modelID == "" {
		modelID = DefaultDiseaseModel
	}
	return &DiseaseClassifier{client: client, model: modelID, logger: logger}
}

// Model returns the hosted model identifier.
func (c *DiseaseClassifier) Model() string { return c.model }

// Classify sends image to the hosted disease model. crop is recorded on the
// result only. Every failure, including panics, is returned as *ClassifyError.
func (c *DiseaseClassifier) Classify(ctx context.Context, image []byte, crop string) (res classify.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("remote classification panicked", "panic", r)
			res, err = classify.Result{}, &ClassifyError{Model: c.model, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	raw, err := c.client.Infer(ctx, c.model, image)
	if err != nil {
		return classify.Result{}, &ClassifyError{Model: c.model, Err: err}
	}

	probs, err := ParseDiseasePayload(raw)
	if err != nil {
		c.logger.Warn("remote classification rejected", "model", c.model, "error", err)
		return classify.Result{}, &ClassifyError{Model: c.model, Err: err}
	}
	top, ok := TopDisease(probs)
	if !ok {
		return classify.Result{}, &ClassifyError{Model: c.model, Err: ErrNoTopPrediction}
	}

	res = classify.Result{TopPrediction: top, Probabilities: probs, CropType: crop}
	c.logger.Debug("remote classification",
		"model", c.model,
		"prediction", top,
		"confidence", res.Confidence(),
		"classes", len(probs))
	return res, nil
}
