package treatment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateAdvisor(t *testing.T) {
	tests := []struct {
		disease string
		want    string
	}{
		{"Healthy", "appears healthy"},
		{"Early Blight", "Blight is a fungal disease"},
		{"Leaf Mold", "This condition affects plant health"},
	}
	for _, tt := range tests {
		t.Run(tt.disease, func(t *testing.T) {
			rec, err := TemplateAdvisor{}.Recommend(context.Background(), tt.disease, "tomato")
			require.NoError(t, err)
			assert.Contains(t, rec.Text, tt.want)
			assert.Equal(t, SourceTemplate, rec.Source)
			for _, section := range []string{"Disease Information:", "Treatment Recommendations:", "Prevention Measures:"} {
				assert.Contains(t, rec.Text, section)
			}
		})
	}
}

type fakeGenerator struct {
	text   string
	err    error
	calls  int
	prompt string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.calls++
	f.prompt = prompt
	return f.text, f.err
}

func TestGeminiAdvisor(t *testing.T) {
	gen := &fakeGenerator{text: "  Remove infected leaves.  "}
	a := &GeminiAdvisor{gen: gen, model: DefaultGeminiModel, logger: discardLogger()}

	rec, err := a.Recommend(context.Background(), "Apple Scab", "apple")
	require.NoError(t, err)
	assert.Equal(t, "Remove infected leaves.", rec.Text)
	assert.Equal(t, SourceGemini, rec.Source)
	assert.True(t, strings.Contains(gen.prompt, "Apple Scab affecting apple plants"))
}

func TestGeminiAdvisorErrors(t *testing.T) {
	a := &GeminiAdvisor{gen: &fakeGenerator{err: errors.New("quota exceeded")}, logger: discardLogger()}
	_, err := a.Recommend(context.Background(), "Rust", "corn")
	var advErr *AdvisorError
	require.ErrorAs(t, err, &advErr)
	assert.Equal(t, SourceGemini, advErr.Backend)
	assert.Contains(t, err.Error(), "quota exceeded")

	a.gen = &fakeGenerator{text: "   "}
	_, err = a.Recommend(context.Background(), "Rust", "corn")
	assert.ErrorAs(t, err, &advErr)
}

func TestNewGeminiAdvisorRequiresKey(t *testing.T) {
	_, err := NewGeminiAdvisor(GeminiConfig{APIKey: "  "}, nil)
	assert.Error(t, err)

	a, err := NewGeminiAdvisor(GeminiConfig{APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultGeminiModel, a.model)
}

type countingAdvisor struct {
	calls int
	err   error
}

func (c *countingAdvisor) Recommend(_ context.Context, disease, crop string) (Recommendation, error) {
	c.calls++
	if c.err != nil {
		return Recommendation{}, c.err
	}
	return Recommendation{Disease: disease, Crop: crop, Text: "advice", Source: "test"}, nil
}

func TestCachedAdvisor(t *testing.T) {
	next := &countingAdvisor{}
	c := NewCachedAdvisor(next, time.Minute)
	ctx := context.Background()

	for range 3 {
		rec, err := c.Recommend(ctx, "Late Blight", "Potato")
		require.NoError(t, err)
		assert.Equal(t, "advice", rec.Text)
	}
	_, err := c.Recommend(ctx, "late blight", "potato ")
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, 1, c.Len())

	_, err = c.Recommend(ctx, "Late Blight", "tomato")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCachedAdvisorSkipsFailures(t *testing.T) {
	next := &countingAdvisor{err: errors.New("down")}
	c := NewCachedAdvisor(next, time.Minute)

	for range 2 {
		_, err := c.Recommend(context.Background(), "Rust", "corn")
		assert.Error(t, err)
	}
	assert.Equal(t, 2, next.calls)
	assert.Zero(t, c.Len())
}

func TestNewAdvisorSelection(t *testing.T) {
	assert.IsType(t, TemplateAdvisor{}, NewAdvisor(AdvisorConfig{}, discardLogger()))
	assert.IsType(t, &CachedAdvisor{}, NewAdvisor(AdvisorConfig{Gemini: GeminiConfig{APIKey: "k"}}, discardLogger()))
}
