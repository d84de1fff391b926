package config

import (
	"testing"
	"time"

	"github.com/MeKo-Tech/leafy/internal/gateway"
	"github.com/MeKo-Tech/leafy/internal/history"
	"github.com/MeKo-Tech/leafy/internal/models"
	"github.com/MeKo-Tech/leafy/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const infoLevel = "info"

// TestDefaultConfig verifies that DefaultConfig returns expected values.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Empty(t, cfg.ModelsDir)
	assert.Equal(t, infoLevel, cfg.LogLevel)
	assert.False(t, cfg.Verbose)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.MaxUploadMB)
	assert.Equal(t, "X-User-ID", cfg.Server.UserHeader)
	assert.False(t, cfg.Server.RateLimit.Enabled)

	assert.Equal(t, models.DefaultCrop, cfg.Inference.DefaultCrop)
	assert.Equal(t, models.KnownCrops(), cfg.Inference.Crops)
	assert.Equal(t, 224, cfg.Inference.InputSize)
	assert.False(t, cfg.Inference.GPU.Enabled)
	assert.Equal(t, "auto", cfg.Inference.GPU.MemoryLimit)

	assert.Equal(t, remote.DefaultBaseURL, cfg.Remote.BaseURL)
	assert.Equal(t, remote.DefaultTimeout, cfg.Remote.Timeout)

	assert.False(t, cfg.Policy.LeafGateLocal)
	assert.True(t, cfg.Policy.LeafGateRemote)
	assert.Equal(t, gateway.OnFailureReject, cfg.Policy.OnValidatorFailure)

	assert.Equal(t, history.DriverMemory, cfg.History.Driver)
	assert.Equal(t, time.Hour, cfg.Treatment.CacheTTL)

	require.NoError(t, cfg.Validate())
}

// TestValidate covers each rejection rule.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "invalid log level"},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"upload size", func(c *Config) { c.Server.MaxUploadMB = 0 }, "invalid max upload size"},
		{"negative timeout", func(c *Config) { c.Server.ReadTimeout = -time.Second }, "invalid server timeouts"},
		{"empty user header", func(c *Config) { c.Server.UserHeader = " " }, "invalid user header"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit.RequestsPerMinute = -1 }, "invalid rate limit"},
		{"input size", func(c *Config) { c.Inference.InputSize = 0 }, "invalid input size"},
		{"threads", func(c *Config) { c.Inference.NumThreads = -2 }, "invalid num threads"},
		{"no crops", func(c *Config) { c.Inference.Crops = nil }, "at least one crop"},
		{"default crop not listed", func(c *Config) { c.Inference.Crops = []string{"apple"} }, "invalid default crop"},
		{"default crop normalised", func(c *Config) {
			c.Inference.Crops = []string{" Apple "}
			c.Inference.DefaultCrop = "APPLE"
		}, ""},
		{"gpu memory", func(c *Config) { c.Inference.GPU.MemoryLimit = "lots" }, "invalid GPU memory limit"},
		{"remote timeout", func(c *Config) { c.Remote.Timeout = 0 }, "invalid remote timeout"},
		{"policy", func(c *Config) { c.Policy.OnValidatorFailure = "ignore" }, "invalid validator failure policy"},
		{"driver", func(c *Config) { c.History.Driver = "sqlite" }, "invalid history driver"},
		{"postgres without dsn", func(c *Config) { c.History.Driver = history.DriverPostgres }, "dsn is required"},
		{"postgres with dsn", func(c *Config) {
			c.History.Driver = history.DriverPostgres
			c.History.DSN = "postgres://localhost/leafy"
		}, ""},
		{"temperature", func(c *Config) { c.Treatment.Temperature = 3 }, "invalid temperature"},
		{"max tokens", func(c *Config) { c.Treatment.MaxTokens = -1 }, "invalid max tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestParseMemoryLimit tests GPU memory limit parsing.
func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		limit   string
		want    uint64
		wantErr bool
	}{
		{"", 0, false},
		{"auto", 0, false},
		{"512MB", 512 << 20, false},
		{"1gb", 1 << 30, false},
		{"1.5GB", 3 << 29, false},
		{"64KB", 64 << 10, false},
		{"100B", 100, false},
		{"GB", 0, true},
		{"12", 0, true},
		{"-1MB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.limit, func(t *testing.T) {
			got, err := parseMemoryLimit(tt.limit)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestToRegistryConfig verifies the registry conversion.
func TestToRegistryConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = "/custom/models"
	cfg.Inference.Crops = []string{"Apple", "corn"}
	cfg.Inference.NumThreads = 2
	cfg.Inference.LibraryPath = "/opt/onnxruntime.so"
	cfg.Inference.GPU = GPUConfig{Enabled: true, Device: 1, MemoryLimit: "2GB"}

	rc := cfg.ToRegistryConfig()
	assert.Equal(t, "/custom/models", rc.ModelsDir)
	assert.Equal(t, []string{"apple", "corn"}, rc.Crops)
	assert.Equal(t, "/opt/onnxruntime.so", rc.LibraryPath)
	assert.Equal(t, 2, rc.Session.NumThreads)
	assert.True(t, rc.Session.GPU.UseGPU)
	assert.Equal(t, 1, rc.Session.GPU.DeviceID)
	assert.Equal(t, uint64(2<<30), rc.Session.GPU.GPUMemLimit)
	assert.Nil(t, rc.Opener)
}

// TestToRegistryConfigModelsDirFromEnv verifies that an empty models_dir
// defers to the environment.
func TestToRegistryConfigModelsDirFromEnv(t *testing.T) {
	t.Setenv(models.EnvModelsDir, "/env/models")
	cfg := DefaultConfig()
	assert.Equal(t, "/env/models", cfg.ToRegistryConfig().ModelsDir)
}

// TestComponentConversions verifies the remaining conversions.
func TestComponentConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inference.InputSize = 256
	cfg.Remote.APIKey = "secret"
	cfg.Remote.Timeout = 5 * time.Second
	cfg.Policy.LeafGateLocal = true
	cfg.Policy.OnValidatorFailure = gateway.OnFailureAllow
	cfg.History.Driver = history.DriverPostgres
	cfg.History.DSN = "postgres://db/leafy"
	cfg.Treatment.GeminiAPIKey = "gkey"
	cfg.Treatment.Temperature = 0.5
	cfg.Treatment.MaxTokens = 128

	pc := cfg.ToPreprocessConfig()
	assert.Equal(t, 256, pc.Width)
	assert.Equal(t, 256, pc.Height)

	rc := cfg.ToRemoteConfig()
	assert.Equal(t, "secret", rc.APIKey)
	assert.Equal(t, 5*time.Second, rc.Timeout)
	assert.Equal(t, remote.DefaultBaseURL, rc.BaseURL)

	assert.Equal(t, gateway.Policy{
		LeafGateLocal:      true,
		LeafGateRemote:     true,
		OnValidatorFailure: gateway.OnFailureAllow,
	}, cfg.ToPolicy())

	hc := cfg.ToHistoryConfig()
	assert.Equal(t, history.DriverPostgres, hc.Driver)
	assert.Equal(t, "postgres://db/leafy", hc.DSN)
	assert.Equal(t, 30*time.Minute, hc.ConnMaxLifetime)

	ac := cfg.ToAdvisorConfig()
	assert.Equal(t, "gkey", ac.Gemini.APIKey)
	assert.InDelta(t, 0.5, ac.Gemini.Temperature, 1e-6)
	assert.Equal(t, int32(128), ac.Gemini.MaxTokens)
	assert.Equal(t, time.Hour, ac.CacheTTL)

	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes())
}

// TestRedacted verifies secrets are masked without touching the original.
func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.APIKey = "rf-key"
	cfg.History.DSN = "postgres://user:pw@db/leafy"

	red := cfg.Redacted()
	assert.Equal(t, "********", red.Remote.APIKey)
	assert.Equal(t, "********", red.History.DSN)
	assert.Empty(t, red.Treatment.GeminiAPIKey)
	assert.Equal(t, "rf-key", cfg.Remote.APIKey)

	red.Inference.Crops[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Inference.Crops[0])
}
