// Package classify holds the result types shared by local and remote classifiers.
package classify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Score is one label with its probability or confidence.
type Score struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Distribution maps labels to probabilities while preserving insertion order,
// which decides ties. It marshals as a JSON object in that order.
type Distribution []Score

// ErrEmptyDistribution is returned when a top pick is requested from no scores.
var ErrEmptyDistribution = errors.New("empty probability distribution")

// Top returns the highest scoring entry. Ties go to the earliest entry.
func (d Distribution) Top() (Score, error) {
	if len(d) == 0 {
		return Score{}, ErrEmptyDistribution
	}
	best := d[0]
	for _, s := range d[1:] {
		if s.Probability > best.Probability {
			best = s
		}
	}
	return best, nil
}

// Max returns the largest probability, or 0 for an empty distribution.
func (d Distribution) Max() float64 {
	top, err := d.Top()
	if err != nil {
		return 0
	}
	return top.Probability
}

// Get returns the probability recorded for label.
func (d Distribution) Get(label string) (float64, bool) {
	for _, s := range d {
		if s.Label == label {
			return s.Probability, true
		}
	}
	return 0, false
}

// Labels returns the labels in order.
func (d Distribution) Labels() []string {
	out := make([]string, len(d))
	for i, s := range d {
		out[i] = s.Label
	}
	return out
}

// Map returns an unordered copy keyed by label.
func (d Distribution) Map() map[string]float64 {
	out := make(map[string]float64, len(d))
	for _, s := range d {
		out[s.Label] = s.Probability
	}
	return out
}

// MarshalJSON renders {"label": probability, ...} in distribution order.
func (d Distribution) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.Label)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s.Probability)
		if err != nil {
			return nil, fmt.Errorf("probability for %q: %w", s.Label, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping document order.
func (d *Distribution) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("distribution must be a JSON object, got %v", tok)
	}
	out := Distribution{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var p float64
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("probability for %q: %w", key, err)
		}
		out = append(out, Score{Label: key, Probability: p})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*d = out
	return nil
}

// Result is the normalised outcome of one classification.
type Result struct {
	TopPrediction string       `json:"prediction"`
	Probabilities Distribution `json:"probabilities"`
	CropType      string       `json:"cropType"`
}

// NewResult builds a Result whose top prediction is the argmax of probs.
func NewResult(probs Distribution, cropType string) (Result, error) {
	top, err := probs.Top()
	if err != nil {
		return Result{}, err
	}
	return Result{TopPrediction: top.Label, Probabilities: probs, CropType: cropType}, nil
}

// Confidence is the maximum probability of the result.
func (r Result) Confidence() float64 {
	return r.Probabilities.Max()
}

// LeafValidation is the outcome of the leaf gate. Succeeded reports whether the
// validator produced a usable answer; IsLeaf is meaningful only when it did.
type LeafValidation struct {
	IsLeaf     bool    `json:"isLeaf"`
	Confidence float64 `json:"confidence"`
	Succeeded  bool    `json:"success"`
	Message    string  `json:"message"`
}
