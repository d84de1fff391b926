package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/leafy/internal/gateway"
	"github.com/MeKo-Tech/leafy/internal/version"
)

const (
	// formOverhead is the multipart framing allowed on top of the image limit.
	formOverhead = 1 << 20
	// formMemory is the part of a multipart form kept in memory.
	formMemory = 32 << 20

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// readyHandler reports whether the history store is reachable.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.Ready(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	writeData(w, http.StatusOK, ReadyResponse{Status: "ready", Crops: len(s.gw.Crops())})
}

// cropsHandler lists the crops with a loaded local model.
func (s *Server) cropsHandler(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, CropsResponse{Crops: s.gw.Crops(), DefaultCrop: s.gw.DefaultCrop()})
}

// detectHandler runs local inference for an authenticated user.
func (s *Server) detectHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	s.detect(w, r, gateway.SourceLocal, &user)
}

// detectAnonymousHandler runs local inference without an owner.
func (s *Server) detectAnonymousHandler(w http.ResponseWriter, r *http.Request) {
	s.detect(w, r, gateway.SourceLocal, nil)
}

// classifyHandler runs remote inference; the user header is optional.
func (s *Server) classifyHandler(w http.ResponseWriter, r *http.Request) {
	var user *string
	if id := s.userID(r); id != "" {
		user = &id
	}
	s.detect(w, r, gateway.SourceRemote, user)
}

func (s *Server) detect(w http.ResponseWriter, r *http.Request, source string, user *string) {
	upload, err := s.readUpload(w, r)
	if err != nil {
		detectionsTotal.WithLabelValues(source, gateway.KindOf(err).String()).Inc()
		s.writeGatewayError(w, r, err)
		return
	}
	req := gateway.Request{Upload: upload, CropType: r.FormValue("cropType"), UserID: user}

	start := time.Now()
	var det gateway.Detection
	if source == gateway.SourceRemote {
		det, err = s.gw.ClassifyRemote(r.Context(), req)
	} else {
		det, err = s.gw.DetectLocal(r.Context(), req)
	}
	detectionDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())

	if err != nil {
		detectionsTotal.WithLabelValues(source, gateway.KindOf(err).String()).Inc()
		s.writeGatewayError(w, r, err)
		return
	}
	detectionsTotal.WithLabelValues(source, "ok").Inc()
	detectionConfidence.WithLabelValues(source).Observe(det.Confidence)
	writeData(w, http.StatusOK, det)
}

// validateLeafHandler returns the bare leaf validation result.
func (s *Server) validateLeafHandler(w http.ResponseWriter, r *http.Request) {
	upload, err := s.readUpload(w, r)
	if err != nil {
		leafValidationsTotal.WithLabelValues("rejected").Inc()
		s.writeGatewayError(w, r, err)
		return
	}
	v, err := s.gw.ValidateLeaf(r.Context(), upload)
	if err != nil {
		leafValidationsTotal.WithLabelValues("rejected").Inc()
		s.writeGatewayError(w, r, err)
		return
	}
	switch {
	case !v.Succeeded:
		leafValidationsTotal.WithLabelValues("failed").Inc()
	case v.IsLeaf:
		leafValidationsTotal.WithLabelValues("leaf").Inc()
	default:
		leafValidationsTotal.WithLabelValues("not_leaf").Inc()
	}
	writeJSON(w, http.StatusOK, v)
}

// diseaseInfoHandler returns static reference text for a disease.
func (s *Server) diseaseInfoHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := s.gw.DiseaseInfo(r.PathValue("name"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "disease information not found")
		return
	}
	writeData(w, http.StatusOK, info)
}

// treatmentHandler returns treatment advice for a disease.
func (s *Server) treatmentHandler(w http.ResponseWriter, r *http.Request) {
	var body TreatmentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := s.gw.Recommend(r.Context(), body.Disease, body.CropType)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

// listDetectionsHandler returns the caller's detection history.
func (s *Server) listDetectionsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	records, err := s.gw.History(r.Context(), user, limit)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, records)
}

// deleteDetectionsHandler removes the caller's detection history.
func (s *Server) deleteDetectionsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	n, err := s.gw.DeleteHistory(r.Context(), user)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, DeleteResponse{Deleted: n})
}

func (s *Server) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(s.userHeader))
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := s.userID(r)
	if id == "" {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return id, true
}

// readUpload reads the "image" form file. The body is capped so oversized
// uploads are rejected before the gateway sees them.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (gateway.Upload, error) {
	limit := s.gw.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)

	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return gateway.Upload{}, gateway.TooLarge(limit)
		}
		return gateway.Upload{}, &gateway.Error{Kind: gateway.KindClientInput, Op: "parse form",
			Message: "request must be multipart/form-data with an image field", Err: err}
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return gateway.Upload{}, &gateway.Error{Kind: gateway.KindClientInput, Op: "parse form",
			Message: "no image provided", Err: err}
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return gateway.Upload{}, &gateway.Error{Kind: gateway.KindClientInput, Op: "read upload",
			Message: "failed to read image data", Err: err}
	}
	uploadSizeBytes.Observe(float64(len(data)))

	return gateway.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// writeGatewayError maps err to a status and a client-safe message. Server
// side failures are logged with their cause.
func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	status := gateway.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", RequestID(r.Context()), "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected",
			"request_id", RequestID(r.Context()), "path", r.URL.Path, "status", status, "error", err)
	}

	resp := Envelope{Success: false, Error: gateway.PublicMessage(err), RequestID: RequestID(r.Context())}
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		resp.LeafValidation = gerr.Leaf
	}
	writeJSON(w, status, resp)
}
