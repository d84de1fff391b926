package gateway

import (
	"context"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MeKo-Tech/leafy/internal/classify"
	"github.com/MeKo-Tech/leafy/internal/history"
	"github.com/MeKo-Tech/leafy/internal/labels"
	"github.com/MeKo-Tech/leafy/internal/onnx"
	"github.com/MeKo-Tech/leafy/internal/registry"
	"github.com/MeKo-Tech/leafy/internal/remote"
	"github.com/MeKo-Tech/leafy/internal/testutil"
	"github.com/MeKo-Tech/leafy/internal/treatment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tomatoLabels = []string{"Bacterial Spot", "Early Blight", "Late Blight", "Healthy"}

type fakeSession struct{ scores []float32 }

func (f fakeSession) Run(onnx.Tensor) ([]float32, error) { return f.scores, nil }
func (fakeSession) Close() error                          { return nil }

type fakeLeaf struct {
	result classify.LeafValidation
	calls  atomic.Int32
}

func (f *fakeLeaf) ValidateLeaf(context.Context, []byte) classify.LeafValidation {
	f.calls.Add(1)
	return f.result
}

type fakeRemote struct {
	result classify.Result
	err    error
	calls  atomic.Int32
}

func (f *fakeRemote) Classify(_ context.Context, _ []byte, crop string) (classify.Result, error) {
	f.calls.Add(1)
	r := f.result
	r.CropType = crop
	return r, f.err
}

type failingStore struct{ *history.MemoryStore }

func (failingStore) Save(context.Context, history.Record) error { return errors.New("disk full") }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func tomatoRegistry(t *testing.T, scores []float32) *registry.Registry {
	t.Helper()
	cat, err := labels.New(tomatoLabels)
	require.NoError(t, err)
	reg, err := registry.New(quietLogger(), registry.Entry{Crop: "tomato", Catalog: cat, Session: fakeSession{scores: scores}})
	require.NoError(t, err)
	return reg
}

type fixture struct {
	gw     *Gateway
	store  *history.MemoryStore
	images *history.ImageStore
	leaf   *fakeLeaf
	remote *fakeRemote
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:  history.NewMemoryStore(),
		images: history.NewMemImageStore(),
		leaf:   &fakeLeaf{result: classify.LeafValidation{IsLeaf: true, Confidence: 0.9, Succeeded: true, Message: "leaf detected: leaf"}},
		remote: &fakeRemote{result: classify.Result{
			TopPrediction: "Late Blight",
			Probabilities: classify.Distribution{{Label: "Early Blight", Probability: 0.3}, {Label: "Late Blight", Probability: 0.6}},
		}},
	}
	opts := Options{
		Models: tomatoRegistry(t, []float32{0.1, 0.7, 0.15, 0.05}),
		Remote: f.remote,
		Leaf:   f.leaf,
		Store:  f.store,
		Images: f.images,
		Policy: DefaultPolicy(),
		Logger: quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	gw, err := New(opts)
	require.NoError(t, err)
	f.gw = gw
	return f
}

func jpegUpload(t *testing.T) Upload {
	return Upload{Filename: "leaf.jpg", ContentType: "image/jpeg", Data: testutil.LeafJPEG(t)}
}

func TestDetectLocalPersistsRecord(t *testing.T) {
	f := newFixture(t, nil)
	user := history.UserID("alice")

	det, err := f.gw.DetectLocal(context.Background(), Request{Upload: jpegUpload(t), UserID: user})
	require.NoError(t, err)

	assert.Equal(t, "Early Blight", det.TopPrediction)
	assert.Equal(t, "tomato", det.CropType)
	assert.Equal(t, tomatoLabels, det.Probabilities.Labels())
	assert.Equal(t, SourceLocal, det.Source)
	assert.Equal(t, "Early Blight", det.DiseaseInfo.Name)
	assert.NotEmpty(t, det.DiseaseInfo.Treatment)
	assert.Nil(t, det.Leaf, "leaf gate is off for the local path by default")
	assert.Zero(t, f.leaf.calls.Load())

	rec, err := f.store.Get(context.Background(), det.RecordID)
	require.NoError(t, err)
	assert.InDelta(t, det.Probabilities.Max(), rec.Confidence, 1e-9)
	assert.InDelta(t, 0.7, rec.Confidence, 1e-6)
	assert.Equal(t, "alice", *rec.UserID)
	assert.Equal(t, "Early Blight", rec.Prediction)

	stored, err := f.images.Open(rec.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, jpegUpload(t).Data[:4], stored[:4])
}

func TestDetectLocalAnonymous(t *testing.T) {
	f := newFixture(t, nil)
	det, err := f.gw.DetectLocal(context.Background(), Request{Upload: jpegUpload(t), CropType: " TOMATO "})
	require.NoError(t, err)

	rec, err := f.store.Get(context.Background(), det.RecordID)
	require.NoError(t, err)
	assert.True(t, rec.Anonymous())
	assert.Equal(t, "tomato", rec.CropType)
}

func TestDetectLocalUnsupportedCrop(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.gw.DetectLocal(context.Background(), Request{Upload: jpegUpload(t), CropType: "banana"})
	require.Error(t, err)
	assert.Equal(t, KindUnsupportedCrop, KindOf(err))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	assert.Contains(t, PublicMessage(err), "tomato")
	assert.Zero(t, f.store.Len())
}

func TestDetectLocalInvalidImage(t *testing.T) {
	f := newFixture(t, nil)
	data := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("garbage")...)
	_, err := f.gw.DetectLocal(context.Background(), Request{Upload: Upload{ContentType: "image/jpeg", Data: data}})
	assert.Equal(t, KindClientInput, KindOf(err))
	assert.Equal(t, "invalid image data", PublicMessage(err))
	assert.Zero(t, f.store.Len())
}

func TestDetectLocalModelOutputMismatchIsInternal(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Models = tomatoRegistry(t, []float32{1}) })
	_, err := f.gw.DetectLocal(context.Background(), Request{Upload: jpegUpload(t)})
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestDetectLocalPersistenceFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Store = failingStore{history.NewMemoryStore()} })
	_, err := f.gw.DetectLocal(context.Background(), Request{Upload: jpegUpload(t)})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "failed to save detection", PublicMessage(err))
	assert.NotContains(t, PublicMessage(err), "disk full")
}

func TestUploadValidationBeforeAnyCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"predictions":{"Rust":{"confidence":0.9}}}`))
	}))
	defer srv.Close()

	client := remote.NewClient(remote.Config{BaseURL: srv.URL, APIKey: "k"}, quietLogger())
	f := newFixture(t, func(o *Options) {
		o.Remote = remote.NewDiseaseClassifier(client, "", quietLogger())
		o.Leaf = remote.NewLeafValidator(client, "", quietLogger())
	})

	tests := []struct {
		name   string
		upload Upload
		status int
	}{
		{"15 MiB upload", Upload{ContentType: "image/jpeg", Data: testutil.OversizedPayload(15 << 20)}, http.StatusRequestEntityTooLarge},
		{"gif upload", Upload{ContentType: "image/gif", Data: testutil.EncodeGIF(t, testutil.CreateTestImage(8, 8, color.White))}, http.StatusUnsupportedMediaType},
		{"empty upload", Upload{ContentType: "image/png"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			_, err := f.gw.ClassifyRemote(ctx, Request{Upload: tt.upload})
			assert.Equal(t, KindClientInput, KindOf(err))
			assert.Equal(t, tt.status, HTTPStatus(err))

			_, err = f.gw.DetectLocal(ctx, Request{Upload: tt.upload})
			assert.Equal(t, tt.status, HTTPStatus(err))

			_, err = f.gw.ValidateLeaf(ctx, tt.upload)
			assert.Equal(t, tt.status, HTTPStatus(err))
		})
	}
	assert.Zero(t, hits.Load(), "no upstream call for rejected uploads")
	assert.Zero(t, f.store.Len())
}

func TestClassifyRemote(t *testing.T) {
	f := newFixture(t, nil)
	det, err := f.gw.ClassifyRemote(context.Background(), Request{Upload: jpegUpload(t), CropType: "potato"})
	require.NoError(t, err)

	assert.Equal(t, "Late Blight", det.TopPrediction)
	assert.Equal(t, "potato", det.CropType)
	assert.Equal(t, SourceRemote, det.Source)
	require.NotNil(t, det.Leaf)
	assert.True(t, det.Leaf.IsLeaf)
	assert.Equal(t, int32(1), f.leaf.calls.Load())

	rec, err := f.store.Get(context.Background(), det.RecordID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, rec.Confidence, 1e-9)
}

func TestClassifyRemoteEmptyPredictionsCreatesNoRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"predictions":{}}`))
	}))
	defer srv.Close()

	client := remote.NewClient(remote.Config{BaseURL: srv.URL, APIKey: "k"}, quietLogger())
	f := newFixture(t, func(o *Options) {
		o.Remote = remote.NewDiseaseClassifier(client, "", quietLogger())
	})

	_, err := f.gw.ClassifyRemote(context.Background(), Request{Upload: jpegUpload(t)})
	require.Error(t, err)
	assert.Equal(t, KindUpstream, KindOf(err))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
	assert.Contains(t, PublicMessage(err), "no disease predictions found")
	assert.Zero(t, f.store.Len())
}

func TestClassifyRemoteUpstreamStatusIsHidden(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.err = &remote.ClassifyError{Model: "m", Err: &remote.UpstreamError{Model: "m", StatusCode: 500, Body: "secret stack"}}

	_, err := f.gw.ClassifyRemote(context.Background(), Request{Upload: jpegUpload(t)})
	assert.Equal(t, KindUpstream, KindOf(err))
	assert.Contains(t, PublicMessage(err), "status 500")
	assert.NotContains(t, PublicMessage(err), "secret stack")
}

func TestLeafGate(t *testing.T) {
	tests := []struct {
		name     string
		leaf     classify.LeafValidation
		mode     string
		wantKind Kind
		wantOK   bool
	}{
		{"not a leaf", classify.LeafValidation{Succeeded: true, Message: "non-leaf object detected: rock"}, OnFailureReject, KindNotLeaf, false},
		{"validator failed", classify.LeafValidation{Message: "boom"}, OnFailureReject, KindUpstream, false},
		{"validator failed allowed", classify.LeafValidation{Message: "boom"}, OnFailureAllow, 0, true},
		{"not a leaf even when failures allowed", classify.LeafValidation{Succeeded: true}, OnFailureAllow, KindNotLeaf, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.Policy.OnValidatorFailure = tt.mode })
			f.leaf.result = tt.leaf

			det, err := f.gw.ClassifyRemote(context.Background(), Request{Upload: jpegUpload(t)})
			if tt.wantOK {
				require.NoError(t, err)
				require.NotNil(t, det.Leaf)
				assert.False(t, det.Leaf.Succeeded)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
			var gerr *Error
			require.ErrorAs(t, err, &gerr)
			require.NotNil(t, gerr.Leaf)
			assert.Zero(t, f.remote.calls.Load(), "classifier must not run after a rejection")
			assert.Zero(t, f.store.Len())
		})
	}
}

func TestLeafGateOnLocalPath(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Policy.LeafGateLocal = true })
	f.leaf.result = classify.LeafValidation{Succeeded: true, Message: "non-leaf object detected: car"}

	_, err := f.gw.DetectLocal(context.Background(), Request{Upload: jpegUpload(t)})
	assert.Equal(t, KindNotLeaf, KindOf(err))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(err))
}

func TestLeafGateOnLocalPathSkipsUndecodableImages(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Policy.LeafGateLocal = true })

	_, err := f.gw.DetectLocal(context.Background(), Request{Upload: Upload{
		Filename: "leaf.png", ContentType: "image/png", Data: []byte("not an image at all"),
	}})
	assert.Equal(t, KindClientInput, KindOf(err))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	assert.Zero(t, f.leaf.calls.Load(), "bad bytes must not reach the leaf validator")
	assert.Zero(t, f.store.Len())
}

// shapeSession records the shape of the tensors it runs.
type shapeSession struct {
	scores []float32
	shapes [][]int64
}

func (s *shapeSession) Run(in onnx.Tensor) ([]float32, error) {
	s.shapes = append(s.shapes, append([]int64(nil), in.Shape...))
	return s.scores, nil
}
func (*shapeSession) Close() error { return nil }

func TestDetectLocalFollowsDeclaredInputSize(t *testing.T) {
	cat, err := labels.New(tomatoLabels)
	require.NoError(t, err)
	sess := &shapeSession{scores: []float32{0.1, 0.2, 0.6, 0.1}}
	reg, err := registry.New(quietLogger(), registry.Entry{
		Crop: "tomato", Catalog: cat, Session: sess,
		Input: onnx.InputSpec{Layout: onnx.LayoutNCHW, Channels: 3, Height: 256, Width: 256},
	})
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) { o.Models = reg })

	det, err := f.gw.DetectLocal(context.Background(), Request{Upload: jpegUpload(t)})
	require.NoError(t, err)
	assert.Equal(t, "Late Blight", det.TopPrediction)
	require.Len(t, sess.shapes, 1)
	assert.Equal(t, []int64{1, 3, 256, 256}, sess.shapes[0])
	assert.Equal(t, 1, f.store.Len())
}

func TestValidateLeaf(t *testing.T) {
	f := newFixture(t, nil)
	f.leaf.result = classify.LeafValidation{Message: "unexpected leaf validation response: x"}

	v, err := f.gw.ValidateLeaf(context.Background(), jpegUpload(t))
	require.NoError(t, err, "validator failures are part of the result")
	assert.False(t, v.Succeeded)
}

func TestRecommend(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.gw.Recommend(context.Background(), "Early Blight", "")
	require.NoError(t, err)
	assert.Equal(t, "tomato", rec.Crop)
	assert.Equal(t, treatment.SourceTemplate, rec.Source)

	_, err = f.gw.Recommend(context.Background(), "  ", "corn")
	assert.Equal(t, KindClientInput, KindOf(err))
}

type brokenAdvisor struct{}

func (brokenAdvisor) Recommend(context.Context, string, string) (treatment.Recommendation, error) {
	return treatment.Recommendation{}, &treatment.AdvisorError{Backend: "gemini", Err: errors.New("quota")}
}

func TestRecommendUpstreamFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Advisor = brokenAdvisor{} })
	_, err := f.gw.Recommend(context.Background(), "Rust", "corn")
	assert.Equal(t, KindUpstream, KindOf(err))
}

func TestHistoryAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	user := history.UserID("bob")

	var paths []string
	for range 2 {
		det, err := f.gw.DetectLocal(ctx, Request{Upload: jpegUpload(t), UserID: user})
		require.NoError(t, err)
		paths = append(paths, det.ImagePath)
	}
	_, err := f.gw.DetectLocal(ctx, Request{Upload: jpegUpload(t)})
	require.NoError(t, err)

	list, err := f.gw.History(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err := f.gw.DeleteHistory(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, p := range paths {
		_, err := f.images.Open(p)
		assert.Error(t, err)
	}
	assert.Equal(t, 1, f.store.Len())
}

func TestCanceledContextStillCompletes(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.gw.DetectLocal(ctx, Request{Upload: jpegUpload(t)})
	assert.NoError(t, err)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Images: history.NewMemImageStore()})
	assert.Error(t, err)
	_, err = New(Options{Store: history.NewMemoryStore()})
	assert.Error(t, err)
	_, err = New(Options{Store: history.NewMemoryStore(), Images: history.NewMemImageStore(), Policy: Policy{OnValidatorFailure: "maybe"}})
	assert.Error(t, err)

	gw, err := New(Options{Store: history.NewMemoryStore(), Images: history.NewMemImageStore(), DefaultCrop: "Rice"})
	require.NoError(t, err)
	assert.Equal(t, "rice", gw.DefaultCrop())
	assert.Equal(t, DefaultMaxUploadBytes, gw.MaxUploadBytes())
	assert.Equal(t, []string{}, gw.Crops())
}
