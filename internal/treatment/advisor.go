package treatment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/patrickmn/go-cache"
	"golang.org/x/text/cases"
	"google.golang.org/api/option"
)

// Recommendation sources.
const (
	SourceGemini   = "gemini"
	SourceTemplate = "template"
)

// Gemini defaults used when the configuration leaves them unset.
const (
	DefaultGeminiModel = "gemini-1.5-flash"
	DefaultMaxTokens   = 300
)

// Recommendation is generated treatment advice for one disease on one crop.
type Recommendation struct {
	Disease string `json:"disease"`
	Crop    string `json:"cropType"`
	Text    string `json:"recommendation"`
	Source  string `json:"source"`
}

// Advisor produces treatment recommendations.
type Advisor interface {
	Recommend(ctx context.Context, disease, crop string) (Recommendation, error)
}

// AdvisorError reports a failed call to a text-generation backend.
type AdvisorError struct {
	Backend string
	Err     error
}

func (e *AdvisorError) Error() string { return fmt.Sprintf("%s advisor: %v", e.Backend, e.Err) }
func (e *AdvisorError) Unwrap() error { return e.Err }

var folder = cases.Fold()

// TemplateAdvisor returns fixed advice chosen by the disease name.
type TemplateAdvisor struct{}

func (TemplateAdvisor) Recommend(_ context.Context, disease, crop string) (Recommendation, error) {
	name := folder.String(disease)
	var text string
	switch {
	case strings.Contains(name, "healthy"):
		text = fmt.Sprintf("Your %s plant appears healthy! Continue with regular care:\n\n", crop) +
			"Disease Information:\n" +
			"Your plant is showing signs of good health with no visible disease symptoms.\n\n" +
			"Treatment Recommendations:\n" +
			"1. Water regularly but avoid overwatering\n" +
			"2. Ensure adequate sunlight exposure\n" +
			"3. Apply balanced fertilizer according to plant needs\n" +
			"4. Monitor for early signs of pests or diseases\n\n" +
			"Prevention Measures:\n" +
			"1. Maintain good air circulation around plants\n" +
			"2. Avoid wetting leaves when watering\n" +
			"3. Remove any dead or decaying plant material promptly\n" +
			"4. Inspect plants regularly for early detection of issues"
	case strings.Contains(name, "blight"):
		text = fmt.Sprintf("Treatment for %s on %s:\n\n", disease, crop) +
			"Disease Information:\n" +
			"Blight is a fungal disease that causes rapid browning and death of plant tissues. " +
			"It typically appears as dark lesions on leaves that can quickly spread throughout the plant.\n\n" +
			"Treatment Recommendations:\n" +
			"Organic treatments:\n" +
			"1. Remove and destroy infected plant parts immediately\n" +
			"2. Apply copper-based fungicides or neem oil as directed\n" +
			"3. Improve air circulation around plants\n\n" +
			"Chemical options:\n" +
			"1. Apply chlorothalonil or mancozeb-based fungicides\n" +
			"2. Follow label instructions carefully\n" +
			"3. Rotate fungicide types to prevent resistance\n\n" +
			"Prevention Measures:\n" +
			"1. Use disease-resistant varieties when planting\n" +
			"2. Rotate crops annually to break disease cycles\n" +
			"3. Avoid overhead watering to keep foliage dry\n" +
			"4. Space plants properly for good air circulation"
	default:
		text = fmt.Sprintf("Treatment for %s on %s:\n\n", disease, crop) +
			"Disease Information:\n" +
			"This condition affects plant health by damaging leaves and potentially reducing yield. " +
			"Early detection and treatment are essential for managing this disease effectively.\n\n" +
			"Treatment Recommendations:\n" +
			"Organic treatments:\n" +
			"1. Remove infected plant parts immediately\n" +
			"2. Apply organic fungicides like neem oil or copper soap\n" +
			"3. Introduce beneficial insects if appropriate\n\n" +
			"Chemical options:\n" +
			"1. Targeted fungicides or pesticides may be necessary for severe cases\n" +
			"2. Always follow product instructions and safety guidelines\n" +
			"3. Apply treatments during appropriate weather conditions\n\n" +
			"Prevention Measures:\n" +
			"1. Maintain proper plant spacing for good airflow\n" +
			"2. Water at the base of plants to keep foliage dry\n" +
			"3. Practice crop rotation to prevent disease buildup\n" +
			"4. Use disease-resistant varieties when available"
	}
	return Recommendation{Disease: disease, Crop: crop, Text: text, Source: SourceTemplate}, nil
}

// generator turns a prompt into text.
type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeminiConfig configures the Gemini advisor.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int32
}

// GeminiAdvisor asks a Gemini model for treatment advice.
type GeminiAdvisor struct {
	gen    generator
	model  string
	logger *slog.Logger
}

// NewGeminiAdvisor creates an advisor backed by the Gemini API.
func NewGeminiAdvisor(cfg GeminiConfig, logger *slog.Logger) (*GeminiAdvisor, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &GeminiAdvisor{gen: &geminiGenerator{cfg: cfg}, model: cfg.Model, logger: logger}, nil
}

// Prompt builds the request text for disease on crop.
func Prompt(disease, crop string) string {
	return fmt.Sprintf("Provide a concise treatment recommendation for %s affecting %s plants. Include:\n", disease, crop) +
		"1. Brief explanation of the disease\n" +
		"2. Organic treatment options\n" +
		"3. Chemical treatment options if necessary\n" +
		"4. Prevention tips\n" +
		"Keep the response informative but concise (150-200 words)."
}

func (a *GeminiAdvisor) Recommend(ctx context.Context, disease, crop string) (Recommendation, error) {
	start := time.Now()
	text, err := a.gen.Generate(ctx, Prompt(disease, crop))
	if err != nil {
		a.logger.Warn("gemini recommendation failed", "disease", disease, "crop", crop, "error", err)
		return Recommendation{}, &AdvisorError{Backend: SourceGemini, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Recommendation{}, &AdvisorError{Backend: SourceGemini, Err: errors.New("empty response")}
	}
	a.logger.Debug("gemini recommendation",
		"disease", disease,
		"crop", crop,
		"chars", len(text),
		"duration_ms", time.Since(start).Milliseconds())
	return Recommendation{Disease: disease, Crop: crop, Text: text, Source: SourceGemini}, nil
}

type geminiGenerator struct {
	cfg GeminiConfig
}

func (g *geminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	cl, err := genai.NewClient(ctx, option.WithAPIKey(g.cfg.APIKey))
	if err != nil {
		return "", err
	}
	defer func() { _ = cl.Close() }()

	m := cl.GenerativeModel(g.cfg.Model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:     ptrFloat32(g.cfg.Temperature),
		MaxOutputTokens: ptrInt32(g.cfg.MaxTokens),
	}
	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	return firstText(resp), nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
func ptrInt32(v int32) *int32       { return &v }

// CachedAdvisor memoises recommendations per disease and crop.
type CachedAdvisor struct {
	next  Advisor
	cache *cache.Cache
}

// NewCachedAdvisor caches next's answers for ttl. Failures are not cached.
func NewCachedAdvisor(next Advisor, ttl time.Duration) *CachedAdvisor {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedAdvisor{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *CachedAdvisor) Recommend(ctx context.Context, disease, crop string) (Recommendation, error) {
	key := folder.String(strings.TrimSpace(disease)) + "|" + folder.String(strings.TrimSpace(crop))
	if v, ok := c.cache.Get(key); ok {
		return v.(Recommendation), nil
	}
	rec, err := c.next.Recommend(ctx, disease, crop)
	if err != nil {
		return Recommendation{}, err
	}
	c.cache.SetDefault(key, rec)
	return rec, nil
}

// Len returns the number of cached recommendations.
func (c *CachedAdvisor) Len() int { return c.cache.ItemCount() }

// AdvisorConfig selects the advisor backend.
type AdvisorConfig struct {
	Gemini   GeminiConfig
	CacheTTL time.Duration
}

// NewAdvisor returns a cached Gemini advisor when an API key is configured and
// the template advisor otherwise.
func NewAdvisor(cfg AdvisorConfig, logger *slog.Logger) Advisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Gemini.APIKey == "" {
		logger.Info("treatment advice from templates")
		return TemplateAdvisor{}
	}
	g, err := NewGeminiAdvisor(cfg.Gemini, logger)
	if err != nil {
		logger.Warn("gemini advisor unavailable, using templates", "error", err)
		return TemplateAdvisor{}
	}
	logger.Info("treatment advice from gemini", "model", g.model)
	return NewCachedAdvisor(g, cfg.CacheTTL)
}
