package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MeKo-Tech/leafy/internal/classify"
	"golang.org/x/text/cases"
)

// Leaf gate constants.
const (
	LeafConfidenceThreshold = 0.5
	// TextLeafConfidence is a fixed placeholder reported for bare class-name
	// answers, which carry no measured confidence.
	TextLeafConfidence = 0.8
)

var leafVocabulary = []string{"leaf", "plant", "tree", "foliage", "frond"}

var folder = cases.Fold()

// PayloadKind tags the shape of a leaf validator response.
type PayloadKind int

const (
	// PayloadMalformed is anything that cannot be interpreted.
	PayloadMalformed PayloadKind = iota
	// PayloadText is a bare class name.
	PayloadText
	// PayloadPredictions is an object carrying a predictions list.
	PayloadPredictions
	// PayloadMissing is an empty answer or an object without predictions.
	PayloadMissing
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadPredictions:
		return "predictions"
	case PayloadMissing:
		return "missing"
	default:
		return "malformed"
	}
}

// PredictionKind tags one entry of a predictions list.
type PredictionKind int

const (
	PredictionOther PredictionKind = iota
	PredictionText
	PredictionRecord
)

// LeafPrediction is one entry of a predictions list.
type LeafPrediction struct {
	Kind       PredictionKind
	Text       string  // PredictionText
	Class      string  // PredictionRecord
	Confidence float64 // PredictionRecord; 0 when absent
	Raw        string  // PredictionOther
}

// LeafPayload is a parsed leaf validator response.
type LeafPayload struct {
	Kind        PayloadKind
	Text        string
	Predictions []LeafPrediction
	// Detail explains Missing and Malformed payloads.
	Detail string
}

// ParseLeafPayload classifies a raw response body into a LeafPayload. It never fails.
func ParseLeafPayload(raw []byte) LeafPayload {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return LeafPayload{Kind: PayloadMissing, Detail: "empty response"}
	}

	var top any
	if err := json.Unmarshal(raw, &top); err != nil {
		return LeafPayload{Kind: PayloadMalformed, Detail: "invalid JSON: " + err.Error()}
	}

	switch v := top.(type) {
	case string:
		return LeafPayload{Kind: PayloadText, Text: v}
	case map[string]any:
		preds, ok := v["predictions"]
		if !ok {
			detail := "no predictions in response"
			if msg, ok := v["error"]; ok {
				detail += fmt.Sprintf(" - %v", msg)
			}
			return LeafPayload{Kind: PayloadMissing, Detail: detail}
		}
		list, ok := preds.([]any)
		if !ok {
			return LeafPayload{Kind: PayloadMalformed, Detail: fmt.Sprintf("predictions is %s, want a list", jsonType(preds))}
		}
		out := LeafPayload{Kind: PayloadPredictions, Predictions: make([]LeafPrediction, 0, len(list))}
		for i, item := range list {
			p, err := parsePrediction(item)
			if err != nil {
				return LeafPayload{Kind: PayloadMalformed, Detail: fmt.Sprintf("prediction %d: %v", i, err)}
			}
			out.Predictions = append(out.Predictions, p)
		}
		return out
	default:
		return LeafPayload{Kind: PayloadMalformed, Detail: "unexpected response type " + jsonType(top)}
	}
}

func parsePrediction(item any) (LeafPrediction, error) {
	switch v := item.(type) {
	case string:
		return LeafPrediction{Kind: PredictionText, Text: v}, nil
	case map[string]any:
		p := LeafPrediction{Kind: PredictionRecord}
		if c, ok := v["confidence"]; ok {
			f, ok := c.(float64)
			if !ok {
				return LeafPrediction{}, fmt.Errorf("confidence is %s", jsonType(c))
			}
			p.Confidence = f
		}
		if c, ok := v["class"]; ok {
			s, ok := c.(string)
			if !ok {
				return LeafPrediction{}, fmt.Errorf("class is %s", jsonType(c))
			}
			p.Class = s
		}
		return p, nil
	default:
		b, _ := json.Marshal(v)
		return LeafPrediction{Kind: PredictionOther, Raw: string(b)}, nil
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "a string"
	case float64:
		return "a number"
	case bool:
		return "a boolean"
	case []any:
		return "a list"
	case map[string]any:
		return "an object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// NormalizeLeaf turns a parsed payload into a leaf validation outcome.
// Succeeded is false only when the payload could not be interpreted.
func NormalizeLeaf(p LeafPayload) classify.LeafValidation {
	switch p.Kind {
	case PayloadText:
		return textVerdict(p.Text)
	case PayloadPredictions:
		return normalizePredictions(p.Predictions)
	case PayloadMissing:
		return failed("leaf validation returned no result: " + p.Detail)
	default:
		return failed("unexpected leaf validation response: " + p.Detail)
	}
}

func normalizePredictions(preds []LeafPrediction) classify.LeafValidation {
	if len(preds) == 0 {
		return classify.LeafValidation{Succeeded: true, Message: "no objects detected"}
	}

	var texts []string
	for _, p := range preds {
		if p.Kind == PredictionText {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) > 0 {
		for _, s := range texts {
			if IsLeafTerm(s) {
				return leafText(s)
			}
		}
		return classify.LeafValidation{Succeeded: true, Message: "non-leaf object detected: " + texts[0]}
	}

	best := preds[0]
	for _, p := range preds[1:] {
		if score(p) > score(best) {
			best = p
		}
	}
	if best.Kind != PredictionRecord {
		return failed("prediction is neither a record nor a string: " + best.Raw)
	}
	if best.Confidence >= LeafConfidenceThreshold {
		return classify.LeafValidation{
			IsLeaf:     true,
			Confidence: best.Confidence,
			Succeeded:  true,
			Message:    "leaf detected: " + folder.String(best.Class),
		}
	}
	return classify.LeafValidation{
		Confidence: best.Confidence,
		Succeeded:  true,
		Message:    "no leaf detected with sufficient confidence",
	}
}

func score(p LeafPrediction) float64 {
	if p.Kind == PredictionRecord {
		return p.Confidence
	}
	return 0
}

func textVerdict(s string) classify.LeafValidation {
	if IsLeafTerm(s) {
		return leafText(s)
	}
	return classify.LeafValidation{Succeeded: true, Message: "non-leaf object detected: " + s}
}

func leafText(s string) classify.LeafValidation {
	return classify.LeafValidation{
		IsLeaf:     true,
		Confidence: TextLeafConfidence,
		Succeeded:  true,
		Message:    "leaf detected: " + s,
	}
}

func failed(msg string) classify.LeafValidation {
	return classify.LeafValidation{Message: msg}
}

// IsLeafTerm reports whether a class name mentions foliage, case-insensitively.
func IsLeafTerm(s string) bool {
	folded := folder.String(s)
	for _, term := range leafVocabulary {
		if strings.Contains(folded, term) {
			return true
		}
	}
	return false
}

// LeafValidator gates uploads on whether they show a leaf.
type LeafValidator struct {
	client Inferer
	model  string
	logger *slog.Logger
}

// NewLeafValidator creates a validator for modelID (DefaultLeafModel when empty).
func NewLeafValidator(client Inferer, modelID string, logger *slog.Logger) *LeafValidator {
	if logger == nil {
		logger = slog.Default()
	}
	if modelID == "" {
		modelID = DefaultLeafModel
	}
	return &LeafValidator{client: client, model: modelID, logger: logger}
}

// ValidateLeaf asks the hosted model whether image shows a leaf. Every failure
// is reported through the result with Succeeded=false.
func (v *LeafValidator) ValidateLeaf(ctx context.Context, image []byte) (res classify.LeafValidation) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("leaf validation panicked", "panic", r)
			res = failed(fmt.Sprintf("leaf validation failed: %v", r))
		}
	}()

	raw, err := v.client.Infer(ctx, v.model, image)
	if err != nil {
		v.logger.Warn("leaf validation request failed", "model", v.model, "error", err)
		return failed("leaf validation request failed: " + err.Error())
	}

	payload := ParseLeafPayload(raw)
	res = NormalizeLeaf(payload)
	v.logger.Debug("leaf validation",
		"model", v.model,
		"payload", payload.Kind.String(),
		"is_leaf", res.IsLeaf,
		"succeeded", res.Succeeded,
		"confidence", res.Confidence)
	return res
}
