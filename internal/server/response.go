package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MeKo-Tech/leafy/internal/classify"
)

// Envelope wraps every JSON response except the leaf validation result.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// LeafValidation explains a rejection by the leaf gate.
	LeafValidation *classify.LeafValidation `json:"leafValidation,omitempty"`
	RequestID      string                   `json:"requestId,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

// ReadyResponse is the data of GET /ready.
type ReadyResponse struct {
	Status string `json:"status"`
	Crops  int    `json:"crops"`
}

// CropsResponse is the data of GET /crops.
type CropsResponse struct {
	Crops       []string `json:"crops"`
	DefaultCrop string   `json:"defaultCrop"`
}

// DeleteResponse is the data of DELETE /detections.
type DeleteResponse struct {
	Deleted int `json:"deleted"`
}

// TreatmentRequest is the body of POST /treatment.
type TreatmentRequest struct {
	Disease  string `json:"disease"`
	CropType string `json:"cropType"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing left to tell the client.
		slog.Error("failed to encode response", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, Envelope{Success: false, Error: message, RequestID: RequestID(r.Context())})
}
