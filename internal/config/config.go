package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/leafy/internal/gateway"
	"github.com/MeKo-Tech/leafy/internal/history"
	"github.com/MeKo-Tech/leafy/internal/models"
	"github.com/MeKo-Tech/leafy/internal/onnx"
	"github.com/MeKo-Tech/leafy/internal/preprocess"
	"github.com/MeKo-Tech/leafy/internal/registry"
	"github.com/MeKo-Tech/leafy/internal/remote"
	"github.com/MeKo-Tech/leafy/internal/treatment"
)

// Config represents the complete configuration of the leafy gateway.
// It is loaded from configuration files, environment variables and
// command-line flags.
type Config struct {
	// Global settings
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Server    ServerConfig    `mapstructure:"server" yaml:"server" json:"server"`
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference" json:"inference"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote" json:"remote"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy" json:"policy"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history" json:"history"`
	Treatment TreatmentConfig `mapstructure:"treatment" yaml:"treatment" json:"treatment"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string          `mapstructure:"host" yaml:"host" json:"host"`
	Port            int             `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string          `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int             `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	UserHeader      string          `mapstructure:"user_header" yaml:"user_header" json:"user_header"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig contains per-client request limits. Zero disables a limit.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int  `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int  `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDayMB   int  `mapstructure:"max_data_per_day_mb" yaml:"max_data_per_day_mb" json:"max_data_per_day_mb"`
}

// InferenceConfig contains local model settings.
type InferenceConfig struct {
	DefaultCrop string    `mapstructure:"default_crop" yaml:"default_crop" json:"default_crop"`
	Crops       []string  `mapstructure:"crops" yaml:"crops" json:"crops"`
	InputSize   int       `mapstructure:"input_size" yaml:"input_size" json:"input_size"`
	NumThreads  int       `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
	LibraryPath string    `mapstructure:"library_path" yaml:"library_path" json:"library_path"`
	GPU         GPUConfig `mapstructure:"gpu" yaml:"gpu" json:"gpu"`
}

// GPUConfig contains GPU acceleration settings.
type GPUConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Device      int    `mapstructure:"device" yaml:"device" json:"device"`
	MemoryLimit string `mapstructure:"memory_limit" yaml:"memory_limit" json:"memory_limit"`
}

// RemoteConfig contains the hosted inference service settings.
type RemoteConfig struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	APIKey       string        `mapstructure:"api_key" yaml:"api_key" json:"-"`
	DiseaseModel string        `mapstructure:"disease_model" yaml:"disease_model" json:"disease_model"`
	LeafModel    string        `mapstructure:"leaf_model" yaml:"leaf_model" json:"leaf_model"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// PolicyConfig decides where the leaf gate runs.
type PolicyConfig struct {
	LeafGateLocal      bool   `mapstructure:"leaf_gate_local" yaml:"leaf_gate_local" json:"leaf_gate_local"`
	LeafGateRemote     bool   `mapstructure:"leaf_gate_remote" yaml:"leaf_gate_remote" json:"leaf_gate_remote"`
	OnValidatorFailure string `mapstructure:"on_validator_failure" yaml:"on_validator_failure" json:"on_validator_failure"`
}

// HistoryConfig contains detection history storage settings.
type HistoryConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver" json:"driver"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn" json:"-"`
	MediaDir        string        `mapstructure:"media_dir" yaml:"media_dir" json:"media_dir"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// TreatmentConfig contains disease catalog and advisor settings.
type TreatmentConfig struct {
	CatalogPath  string        `mapstructure:"catalog_path" yaml:"catalog_path" json:"catalog_path"`
	GeminiAPIKey string        `mapstructure:"gemini_api_key" yaml:"gemini_api_key" json:"-"`
	GeminiModel  string        `mapstructure:"gemini_model" yaml:"gemini_model" json:"gemini_model"`
	Temperature  float64       `mapstructure:"temperature" yaml:"temperature" json:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" json:"cache_ttl"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		// Empty defers to LEAFY_MODELS_DIR and then the project models/ directory.
		ModelsDir: "",
		LogLevel:  "info",
		Verbose:   false,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			CORSOrigin:      "*",
			MaxUploadMB:     int(gateway.DefaultMaxUploadBytes >> 20),
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			UserHeader:      "X-User-ID",
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 60,
				RequestsPerHour:   1000,
			},
		},
		Inference: InferenceConfig{
			DefaultCrop: models.DefaultCrop,
			Crops:       models.KnownCrops(),
			InputSize:   preprocess.DefaultWidth,
			NumThreads:  0,
			GPU: GPUConfig{
				Enabled:     false,
				Device:      0,
				MemoryLimit: "auto",
			},
		},
		Remote: RemoteConfig{
			BaseURL:      remote.DefaultBaseURL,
			DiseaseModel: remote.DefaultDiseaseModel,
			LeafModel:    remote.DefaultLeafModel,
			Timeout:      remote.DefaultTimeout,
		},
		Policy: PolicyConfig{
			LeafGateLocal:      false,
			LeafGateRemote:     true,
			OnValidatorFailure: gateway.OnFailureReject,
		},
		History: HistoryConfig{
			Driver:          history.DriverMemory,
			MediaDir:        "media",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Treatment: TreatmentConfig{
			GeminiModel: treatment.DefaultGeminiModel,
			Temperature: 0.4,
			MaxTokens:   treatment.DefaultMaxTokens,
			CacheTTL:    time.Hour,
		},
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid server timeouts: durations must not be negative")
	}
	if strings.TrimSpace(c.Server.UserHeader) == "" {
		return fmt.Errorf("invalid user header: must not be empty")
	}
	if rl := c.Server.RateLimit; rl.RequestsPerMinute < 0 || rl.RequestsPerHour < 0 ||
		rl.MaxRequestsPerDay < 0 || rl.MaxDataPerDayMB < 0 {
		return fmt.Errorf("invalid rate limit: limits must not be negative")
	}

	if c.Inference.InputSize <= 0 {
		return fmt.Errorf("invalid input size: %d (must be positive)", c.Inference.InputSize)
	}
	if c.Inference.NumThreads < 0 {
		return fmt.Errorf("invalid num threads: %d (must not be negative)", c.Inference.NumThreads)
	}
	if len(c.Inference.Crops) == 0 {
		return fmt.Errorf("invalid crops: at least one crop must be configured")
	}
	crops := c.normalizedCrops()
	if def := models.NormalizeCrop(c.Inference.DefaultCrop); !slices.Contains(crops, def) {
		return fmt.Errorf("invalid default crop: %s (must be one of: %s)", def, strings.Join(crops, ", "))
	}
	if err := validateMemoryLimit(c.Inference.GPU.MemoryLimit); err != nil {
		return fmt.Errorf("invalid GPU memory limit: %w", err)
	}

	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("invalid remote timeout: %s (must be positive)", c.Remote.Timeout)
	}

	validModes := []string{gateway.OnFailureReject, gateway.OnFailureAllow}
	if !slices.Contains(validModes, c.Policy.OnValidatorFailure) {
		return fmt.Errorf("invalid validator failure policy: %s (must be one of: %s)",
			c.Policy.OnValidatorFailure, strings.Join(validModes, ", "))
	}

	validDrivers := []string{history.DriverMemory, history.DriverPostgres}
	if !slices.Contains(validDrivers, c.History.Driver) {
		return fmt.Errorf("invalid history driver: %s (must be one of: %s)", c.History.Driver, strings.Join(validDrivers, ", "))
	}
	if c.History.Driver == history.DriverPostgres && c.History.DSN == "" {
		return fmt.Errorf("history dsn is required for the %s driver", history.DriverPostgres)
	}

	if c.Treatment.Temperature < 0 || c.Treatment.Temperature > 2 {
		return fmt.Errorf("invalid temperature: %.2f (must be between 0.0 and 2.0)", c.Treatment.Temperature)
	}
	if c.Treatment.MaxTokens < 0 {
		return fmt.Errorf("invalid max tokens: %d (must not be negative)", c.Treatment.MaxTokens)
	}

	return nil
}

func (c *Config) normalizedCrops() []string {
	out := make([]string, 0, len(c.Inference.Crops))
	for _, crop := range c.Inference.Crops {
		out = append(out, models.NormalizeCrop(crop))
	}
	return out
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// ToRegistryConfig converts the config to the model registry loader format.
func (c *Config) ToRegistryConfig() registry.Config {
	gpu := onnx.DefaultGPUConfig()
	gpu.UseGPU = c.Inference.GPU.Enabled
	gpu.DeviceID = c.Inference.GPU.Device
	// Validate has already rejected malformed limits.
	gpu.GPUMemLimit, _ = parseMemoryLimit(c.Inference.GPU.MemoryLimit)

	return registry.Config{
		ModelsDir:   models.GetModelsDir(c.ModelsDir),
		Crops:       c.normalizedCrops(),
		LibraryPath: c.Inference.LibraryPath,
		Session: registry.SessionOptions{
			NumThreads: c.Inference.NumThreads,
			GPU:        gpu,
		},
	}
}

// ToPreprocessConfig converts the config to the preprocessor format.
func (c *Config) ToPreprocessConfig() preprocess.Config {
	cfg := preprocess.DefaultConfig()
	cfg.Width = c.Inference.InputSize
	cfg.Height = c.Inference.InputSize
	return cfg
}

// ToRemoteConfig converts the config to the remote client format.
func (c *Config) ToRemoteConfig() remote.Config {
	return remote.Config{
		BaseURL: c.Remote.BaseURL,
		APIKey:  c.Remote.APIKey,
		Timeout: c.Remote.Timeout,
	}
}

// ToPolicy converts the config to the gateway leaf gate policy.
func (c *Config) ToPolicy() gateway.Policy {
	return gateway.Policy{
		LeafGateLocal:      c.Policy.LeafGateLocal,
		LeafGateRemote:     c.Policy.LeafGateRemote,
		OnValidatorFailure: c.Policy.OnValidatorFailure,
	}
}

// ToHistoryConfig converts the config to the history store format.
func (c *Config) ToHistoryConfig() history.Config {
	return history.Config{
		Driver:          c.History.Driver,
		DSN:             c.History.DSN,
		MediaDir:        c.History.MediaDir,
		MaxOpenConns:    c.History.MaxOpenConns,
		MaxIdleConns:    c.History.MaxIdleConns,
		ConnMaxLifetime: c.History.ConnMaxLifetime,
	}
}

// ToAdvisorConfig converts the config to the treatment advisor format.
func (c *Config) ToAdvisorConfig() treatment.AdvisorConfig {
	return treatment.AdvisorConfig{
		Gemini: treatment.GeminiConfig{
			APIKey:      c.Treatment.GeminiAPIKey,
			Model:       c.Treatment.GeminiModel,
			Temperature: float32(c.Treatment.Temperature),
			MaxTokens:   int32(c.Treatment.MaxTokens),
		},
		CacheTTL: c.Treatment.CacheTTL,
	}
}

var memoryUnits = []struct {
	suffix string
	scale  float64
}{
	{"KB", 1 << 10},
	{"MB", 1 << 20},
	{"GB", 1 << 30},
	{"B", 1},
}

// validateMemoryLimit validates GPU memory limit format (e.g., "1GB", "512MB").
func validateMemoryLimit(limit string) error {
	_, err := parseMemoryLimit(limit)
	return err
}

// parseMemoryLimit converts a memory limit to bytes. Empty and "auto" mean
// unlimited (0).
func parseMemoryLimit(limit string) (uint64, error) {
	if limit == "" || limit == "auto" {
		return 0, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(limit))
	for _, unit := range memoryUnits {
		if !strings.HasSuffix(upper, unit.suffix) {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(upper, unit.suffix)), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid number in memory limit: %s", limit)
		}
		return uint64(n * unit.scale), nil
	}
	return 0, fmt.Errorf("memory limit must end with one of: B, KB, MB, GB")
}
