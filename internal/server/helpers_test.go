package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync/atomic"
	"testing"

	"github.com/MeKo-Tech/leafy/internal/classify"
	"github.com/MeKo-Tech/leafy/internal/gateway"
	"github.com/MeKo-Tech/leafy/internal/history"
	"github.com/MeKo-Tech/leafy/internal/labels"
	"github.com/MeKo-Tech/leafy/internal/onnx"
	"github.com/MeKo-Tech/leafy/internal/registry"
	"github.com/MeKo-Tech/leafy/internal/treatment"
	"github.com/stretchr/testify/require"
)

var tomatoLabels = []string{"Bacterial Spot", "Early Blight", "Late Blight", "Healthy"}

// mockSession returns fixed scores for every input.
type mockSession struct{ scores []float32 }

func (m mockSession) Run(onnx.Tensor) ([]float32, error) { return m.scores, nil }
func (mockSession) Close() error                          { return nil }

// mockLeaf is a leaf validator returning a fixed result.
type mockLeaf struct {
	result classify.LeafValidation
	calls  atomic.Int32
}

func (m *mockLeaf) ValidateLeaf(context.Context, []byte) classify.LeafValidation {
	m.calls.Add(1)
	return m.result
}

// mockRemote is a remote classifier returning a fixed result or error.
type mockRemote struct {
	result classify.Result
	err    error
	calls  atomic.Int32
}

func (m *mockRemote) Classify(_ context.Context, _ []byte, crop string) (classify.Result, error) {
	m.calls.Add(1)
	r := m.result
	r.CropType = crop
	return r, m.err
}

// panicAdvisor fails loudly to exercise the recovery middleware.
type panicAdvisor struct{}

func (panicAdvisor) Recommend(context.Context, string, string) (treatment.Recommendation, error) {
	panic("advisor exploded")
}

// failingAdvisor always returns an error.
type failingAdvisor struct{}

func (failingAdvisor) Recommend(context.Context, string, string) (treatment.Recommendation, error) {
	return treatment.Recommendation{}, errors.New("quota exhausted")
}

// brokenStore fails its health check.
type brokenStore struct{ *history.MemoryStore }

func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// testEnv is a server wired to in-memory stores and mock models.
type testEnv struct {
	server  *Server
	handler http.Handler
	store   *history.MemoryStore
	images  *history.ImageStore
	leaf    *mockLeaf
	remote  *mockRemote
}

type envOptions struct {
	gateway func(*gateway.Options)
	server  func(*Config)
}

func newTestEnv(t *testing.T, eo envOptions) *testEnv {
	t.Helper()
	cat, err := labels.New(tomatoLabels)
	require.NoError(t, err)
	reg, err := registry.New(quietLogger(), registry.Entry{
		Crop:    "tomato",
		Catalog: cat,
		Session: mockSession{scores: []float32{0.1, 0.7, 0.15, 0.05}},
	})
	require.NoError(t, err)

	env := &testEnv{
		store:  history.NewMemoryStore(),
		images: history.NewMemImageStore(),
		leaf: &mockLeaf{result: classify.LeafValidation{
			IsLeaf: true, Confidence: 0.92, Succeeded: true, Message: "leaf detected: leaf",
		}},
		remote: &mockRemote{result: classify.Result{
			TopPrediction: "Late Blight",
			Probabilities: classify.Distribution{
				{Label: "Early Blight", Probability: 0.2},
				{Label: "Late Blight", Probability: 0.75},
			},
		}},
	}

	opts := gateway.Options{
		Models: reg,
		Remote: env.remote,
		Leaf:   env.leaf,
		Store:  env.store,
		Images: env.images,
		Policy: gateway.DefaultPolicy(),
		Logger: quietLogger(),
	}
	if eo.gateway != nil {
		eo.gateway(&opts)
	}
	gw, err := gateway.New(opts)
	require.NoError(t, err)

	cfg := Config{CORSOrigin: "*", Logger: quietLogger()}
	if eo.server != nil {
		eo.server(&cfg)
	}
	srv, err := NewServer(gw, cfg)
	require.NoError(t, err)

	env.server = srv
	env.handler = srv.Handler()
	return env
}

// do serves req and returns the recorded response.
func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// createMultipartFormRequest creates a multipart form request with an image.
func createMultipartFormRequest(
	t *testing.T,
	path string,
	imageData []byte,
	contentType string,
	extraFields map[string]string,
) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if imageData != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="leaf.jpg"`)
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}
		part, err := writer.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(imageData)
		require.NoError(t, err)
	}

	for key, value := range extraFields {
		require.NoError(t, writer.WriteField(key, value))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}
