// Package history persists detection records and their uploaded images.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("detection record not found")

// Record is one persisted classification outcome. Records are never updated;
// they are removed only together with their owner.
type Record struct {
	ID         string    `json:"id"`
	UserID     *string   `json:"userId,omitempty"`
	ImagePath  string    `json:"image"`
	CropType   string    `json:"cropType"`
	Prediction string    `json:"prediction"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewRecord stamps a new record with an id and creation time.
func NewRecord(userID *string, imagePath, crop, prediction string, confidence float64) Record {
	return Record{
		ID:         uuid.NewString(),
		UserID:     userID,
		ImagePath:  imagePath,
		CropType:   crop,
		Prediction: prediction,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
}

// Anonymous reports whether the record has no owner.
func (r Record) Anonymous() bool { return r.UserID == nil }

// Validate checks the fields every store requires.
func (r Record) Validate() error {
	var problems []string
	if r.ID == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(r.CropType) == "" {
		problems = append(problems, "crop type is required")
	}
	if strings.TrimSpace(r.Prediction) == "" {
		problems = append(problems, "prediction is required")
	}
	if math.IsNaN(r.Confidence) || math.IsInf(r.Confidence, 0) {
		problems = append(problems, "confidence must be a finite number")
	}
	if r.UserID != nil && *r.UserID == "" {
		problems = append(problems, "user id must be nil or non-empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid detection record: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Store persists detection records.
type Store interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	// ListByUser returns the user's records newest first. limit <= 0 means no limit.
	ListByUser(ctx context.Context, userID string, limit int) ([]Record, error)
	ListAnonymous(ctx context.Context, limit int) ([]Record, error)
	// DeleteByUser removes every record owned by userID and returns them.
	DeleteByUser(ctx context.Context, userID string) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// UserID returns a pointer suitable for Record.UserID; empty means anonymous.
func UserID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
