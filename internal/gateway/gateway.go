// Package gateway orchestrates one inference request: upload validation,
// the optional leaf gate, local or remote classification, persistence and
// treatment enrichment.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MeKo-Tech/leafy/internal/classify"
	"github.com/MeKo-Tech/leafy/internal/history"
	"github.com/MeKo-Tech/leafy/internal/models"
	"github.com/MeKo-Tech/leafy/internal/onnx"
	"github.com/MeKo-Tech/leafy/internal/preprocess"
	"github.com/MeKo-Tech/leafy/internal/registry"
	"github.com/MeKo-Tech/leafy/internal/remote"
	"github.com/MeKo-Tech/leafy/internal/treatment"
)

// Classification sources.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Validator failure modes.
const (
	OnFailureReject = "reject"
	OnFailureAllow  = "allow"
)

// LocalModels runs the crop classifiers loaded in process.
type LocalModels interface {
	Predict(input onnx.Tensor, crop string) (classify.Result, error)
	Crops() []string
	// Input reports the input size a crop's model declares.
	Input(crop string) (onnx.InputSpec, bool)
}

// RemoteClassifier classifies with a hosted model.
type RemoteClassifier interface {
	Classify(ctx context.Context, image []byte, crop string) (classify.Result, error)
}

// LeafValidator is the pre-classification leaf gate.
type LeafValidator interface {
	ValidateLeaf(ctx context.Context, image []byte) classify.LeafValidation
}

// Policy decides when the leaf gate runs and how validator failures are treated.
type Policy struct {
	LeafGateLocal  bool
	LeafGateRemote bool
	// OnValidatorFailure is OnFailureReject or OnFailureAllow.
	OnValidatorFailure string
}

// DefaultPolicy gates only the remote path and rejects on validator failure.
func DefaultPolicy() Policy {
	return Policy{LeafGateRemote: true, OnValidatorFailure: OnFailureReject}
}

// Options wires a Gateway. Store and Images are required.
type Options struct {
	Models         LocalModels
	Preprocessor   *preprocess.Preprocessor
	Remote         RemoteClassifier
	Leaf           LeafValidator
	Store          history.Store
	Images         *history.ImageStore
	Catalog        *treatment.Catalog
	Advisor        treatment.Advisor
	Policy         Policy
	MaxUploadBytes int64
	DefaultCrop    string
	Logger         *slog.Logger
}

// Gateway is safe for concurrent use.
type Gateway struct {
	models      LocalModels
	pre         *preprocess.Preprocessor
	remote      RemoteClassifier
	leaf        LeafValidator
	store       history.Store
	images      *history.ImageStore
	catalog     *treatment.Catalog
	advisor     treatment.Advisor
	policy      Policy
	maxUpload   int64
	defaultCrop string
	logger      *slog.Logger
}

// New validates opts and builds a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, errors.New("gateway requires a history store")
	}
	if opts.Images == nil {
		return nil, errors.New("gateway requires an image store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Preprocessor == nil {
		opts.Preprocessor = preprocess.New(preprocess.DefaultConfig(), opts.Logger)
	}
	if opts.Catalog == nil {
		opts.Catalog = treatment.DefaultCatalog()
	}
	if opts.Advisor == nil {
		opts.Advisor = treatment.TemplateAdvisor{}
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	switch opts.Policy.OnValidatorFailure {
	case "":
		opts.Policy.OnValidatorFailure = OnFailureReject
	case OnFailureReject, OnFailureAllow:
	default:
		return nil, fmt.Errorf("unknown validator failure mode %q", opts.Policy.OnValidatorFailure)
	}
	crop := models.NormalizeCrop(opts.DefaultCrop)

	return &Gateway{
		models:      opts.Models,
		pre:         opts.Preprocessor,
		remote:      opts.Remote,
		leaf:        opts.Leaf,
		store:       opts.Store,
		images:      opts.Images,
		catalog:     opts.Catalog,
		advisor:     opts.Advisor,
		policy:      opts.Policy,
		maxUpload:   opts.MaxUploadBytes,
		defaultCrop: crop,
		logger:      opts.Logger,
	}, nil
}

// Request is one detection request. UserID nil means anonymous.
type Request struct {
	Upload   Upload
	CropType string
	UserID   *string
}

// Detection is the outcome of a successful detection.
type Detection struct {
	classify.Result
	Confidence  float64                  `json:"confidence"`
	Source      string                   `json:"source"`
	DiseaseInfo treatment.DiseaseInfo    `json:"diseaseInfo"`
	Leaf        *classify.LeafValidation `json:"leafValidation,omitempty"`
	RecordID    string                   `json:"recordId"`
	ImagePath   string                   `json:"image"`
	CreatedAt   time.Time                `json:"createdAt"`
}

// MaxUploadBytes returns the configured upload limit.
func (g *Gateway) MaxUploadBytes() int64 { return g.maxUpload }

// DefaultCrop returns the crop used when a request names none.
func (g *Gateway) DefaultCrop() string { return g.defaultCrop }

// Crops lists the crops with a locally loaded model.
func (g *Gateway) Crops() []string {
	if g.models == nil {
		return []string{}
	}
	crops := g.models.Crops()
	if crops == nil {
		return []string{}
	}
	return crops
}

func (g *Gateway) crop(requested string) string {
	if strings.TrimSpace(requested) == "" {
		return g.defaultCrop
	}
	return models.NormalizeCrop(requested)
}

// DetectLocal classifies the upload with the crop's local model and records it.
func (g *Gateway) DetectLocal(ctx context.Context, req Request) (Detection, error) {
	const op = "detect local"
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	if err := ValidateUpload(req.Upload, g.maxUpload); err != nil {
		return Detection{}, err
	}
	crop := g.crop(req.CropType)
	if g.models == nil || !slices.Contains(g.models.Crops(), crop) {
		return Detection{}, g.unsupportedCrop(op, crop, g.Crops())
	}

	// Preprocess before the leaf gate so bad images never reach the validator.
	spec, _ := g.models.Input(crop)
	tensor, err := g.pre.TensorSize(req.Upload.Data, spec.Width, spec.Height)
	if err != nil {
		var decErr *preprocess.DecodeError
		if errors.As(err, &decErr) {
			return Detection{}, clientError(op, "invalid image data", 0, err)
		}
		return Detection{}, g.internal(op, "failed to preprocess image", err)
	}
	defer g.pre.Release(tensor)

	var leaf *classify.LeafValidation
	if g.policy.LeafGateLocal {
		v, err := g.gate(ctx, op, req.Upload.Data)
		if err != nil {
			return Detection{}, err
		}
		leaf = v
	}

	result, err := g.models.Predict(tensor, crop)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownCrop) {
			return Detection{}, g.unsupportedCrop(op, crop, g.Crops())
		}
		return Detection{}, g.internal(op, "local inference failed", err)
	}

	det, err := g.persist(ctx, op, req, result, SourceLocal)
	if err != nil {
		return Detection{}, err
	}
	det.Leaf = leaf
	g.logger.Info("detection completed",
		"source", SourceLocal,
		"crop", crop,
		"prediction", det.TopPrediction,
		"confidence", det.Confidence,
		"anonymous", req.UserID == nil,
		"duration_ms", time.Since(start).Milliseconds())
	return det, nil
}

// ClassifyRemote classifies the upload with the hosted disease model and records it.
func (g *Gateway) ClassifyRemote(ctx context.Context, req Request) (Detection, error) {
	const op = "classify remote"
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	if err := ValidateUpload(req.Upload, g.maxUpload); err != nil {
		return Detection{}, err
	}
	if err := checkDecodable(req.Upload); err != nil {
		return Detection{}, err
	}
	crop := g.crop(req.CropType)
	if !slices.Contains(models.KnownCrops(), crop) {
		return Detection{}, g.unsupportedCrop(op, crop, models.KnownCrops())
	}
	if g.remote == nil {
		return Detection{}, g.internal(op, "remote classifier not configured", nil)
	}

	var leaf *classify.LeafValidation
	if g.policy.LeafGateRemote {
		v, err := g.gate(ctx, op, req.Upload.Data)
		if err != nil {
			return Detection{}, err
		}
		leaf = v
	}

	result, err := g.remote.Classify(ctx, req.Upload.Data, crop)
	if err != nil {
		g.logger.Warn("remote classification failed", "crop", crop, "error", err)
		return Detection{}, upstreamError(op, "disease classification failed: "+remoteReason(err), err)
	}

	det, err := g.persist(ctx, op, req, result, SourceRemote)
	if err != nil {
		return Detection{}, err
	}
	det.Leaf = leaf
	g.logger.Info("detection completed",
		"source", SourceRemote,
		"crop", crop,
		"prediction", det.TopPrediction,
		"confidence", det.Confidence,
		"anonymous", req.UserID == nil,
		"duration_ms", time.Since(start).Milliseconds())
	return det, nil
}

// remoteReason extracts a client-safe reason from a remote failure.
func remoteReason(err error) string {
	var up *remote.UpstreamError
	if errors.As(err, &up) {
		if up.StatusCode != 0 {
			return fmt.Sprintf("upstream returned status %d", up.StatusCode)
		}
		if errors.Is(up.Err, remote.ErrMissingAPIKey) {
			return "remote inference is not configured"
		}
		return "upstream unreachable"
	}
	var cerr *remote.ClassifyError
	if errors.As(err, &cerr) && cerr.Err != nil {
		return cerr.Err.Error()
	}
	return "unexpected error"
}

// ValidateLeaf runs only the leaf gate. Validator failures are reported
// through the result, not as an error.
func (g *Gateway) ValidateLeaf(ctx context.Context, u Upload) (classify.LeafValidation, error) {
	const op = "validate leaf"
	ctx = context.WithoutCancel(ctx)

	if err := ValidateUpload(u, g.maxUpload); err != nil {
		return classify.LeafValidation{}, err
	}
	if err := checkDecodable(u); err != nil {
		return classify.LeafValidation{}, err
	}
	if g.leaf == nil {
		return classify.LeafValidation{}, g.internal(op, "leaf validator not configured", nil)
	}
	return g.leaf.ValidateLeaf(ctx, u.Data), nil
}

// gate runs the leaf validator. It returns the validation when the upload may
// proceed and a NotLeaf or Upstream error otherwise.
func (g *Gateway) gate(ctx context.Context, op string, data []byte) (*classify.LeafValidation, error) {
	if g.leaf == nil {
		g.logger.Debug("leaf gate skipped: no validator configured")
		return nil, nil
	}
	v := g.leaf.ValidateLeaf(ctx, data)
	switch {
	case !v.Succeeded && g.policy.OnValidatorFailure == OnFailureAllow:
		g.logger.Warn("leaf validation failed, continuing", "message", v.Message)
		return &v, nil
	case !v.Succeeded:
		return nil, &Error{Kind: KindUpstream, Op: op, Message: "leaf validation service failed: " + v.Message, Leaf: &v}
	case !v.IsLeaf:
		return nil, &Error{Kind: KindNotLeaf, Op: op, Message: "no leaf detected in image: " + v.Message, Leaf: &v}
	}
	return &v, nil
}

func (g *Gateway) persist(ctx context.Context, op string, req Request, result classify.Result, source string) (Detection, error) {
	path, err := g.images.Put(req.Upload.Ext(), req.Upload.Data)
	if err != nil {
		return Detection{}, g.internal(op, "failed to store image", err)
	}

	rec := history.NewRecord(req.UserID, path, result.CropType, result.TopPrediction, result.Confidence())
	if err := g.store.Save(ctx, rec); err != nil {
		if rmErr := g.images.Remove(path); rmErr != nil {
			g.logger.Warn("failed to remove orphaned image", "path", path, "error", rmErr)
		}
		return Detection{}, g.internal(op, "failed to save detection", err)
	}

	return Detection{
		Result:      result,
		Confidence:  rec.Confidence,
		Source:      source,
		DiseaseInfo: g.catalog.Enrich(result.TopPrediction),
		RecordID:    rec.ID,
		ImagePath:   rec.ImagePath,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// DiseaseInfo looks up static reference text by exact disease name.
func (g *Gateway) DiseaseInfo(name string) (treatment.DiseaseInfo, bool) {
	return g.catalog.Lookup(name)
}

// Recommend returns treatment advice for a disease on a crop.
func (g *Gateway) Recommend(ctx context.Context, disease, crop string) (treatment.Recommendation, error) {
	const op = "recommend treatment"
	ctx = context.WithoutCancel(ctx)

	disease = strings.TrimSpace(disease)
	if disease == "" {
		return treatment.Recommendation{}, clientError(op, "disease name is required", 0, nil)
	}
	rec, err := g.advisor.Recommend(ctx, disease, g.crop(crop))
	if err != nil {
		return treatment.Recommendation{}, upstreamError(op, "treatment recommendation unavailable", err)
	}
	return rec, nil
}

// History lists the user's detections, newest first.
func (g *Gateway) History(ctx context.Context, userID string, limit int) ([]history.Record, error) {
	records, err := g.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, g.internal("list detections", "failed to load detections", err)
	}
	return records, nil
}

// DeleteHistory removes all detections of a user together with their images.
func (g *Gateway) DeleteHistory(ctx context.Context, userID string) (int, error) {
	ctx = context.WithoutCancel(ctx)
	removed, err := g.store.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, g.internal("delete detections", "failed to delete detections", err)
	}
	for _, r := range removed {
		if err := g.images.Remove(r.ImagePath); err != nil {
			g.logger.Warn("failed to remove image", "path", r.ImagePath, "error", err)
		}
	}
	g.logger.Info("detections deleted", "user", userID, "count", len(removed))
	return len(removed), nil
}

// Ready reports whether the gateway can serve requests.
func (g *Gateway) Ready(ctx context.Context) error {
	return g.store.Ping(ctx)
}

func (g *Gateway) unsupportedCrop(op, crop string, available []string) *Error {
	msg := fmt.Sprintf("unsupported crop type %q", crop)
	if len(available) > 0 {
		msg += " (available: " + strings.Join(available, ", ") + ")"
	}
	return &Error{Kind: KindUnsupportedCrop, Op: op, Message: msg}
}

func (g *Gateway) internal(op, msg string, cause error) *Error {
	g.logger.Error(msg, "op", op, "error", cause)
	return internalError(op, msg, cause)
}
