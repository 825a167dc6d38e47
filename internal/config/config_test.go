package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	limits := cfg.Limits()
	assert.Equal(t, 20, limits.MaxIterations)
	assert.Equal(t, 7.0, limits.QualityThreshold)
	assert.Equal(t, 5, limits.MinSources)
	assert.Equal(t, 24*time.Hour, cfg.Cache.FreshnessWindow)
	assert.Equal(t, 30*time.Second, cfg.Tools.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.Research.OracleTimeout)
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestLoadConfig_MergesDefaults(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-test")
	path := writeFile(t, "sage.yaml", `
research:
  max_iterations: 8
  quality_threshold: 8.5
cache:
  driver: memory
  freshness_window: 1h
oracle:
  provider: anthropic
  api_key_env: TEST_ANTHROPIC_KEY
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Research.MaxIterations)
	assert.Equal(t, 8.5, cfg.Research.QualityThreshold)
	assert.Equal(t, 5, cfg.Research.MinSources)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, time.Hour, cfg.Cache.FreshnessWindow)
	assert.Equal(t, 30*time.Second, cfg.Tools.Timeout)
	assert.Equal(t, "sk-ant-test", cfg.Oracle.APIKey)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.yaml", "research: [unclosed"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidConfig))
}

func TestLoadConfig_ExplicitZeros(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name:    "zero iterations is rejected",
			yaml:    "research:\n  max_iterations: 0\n",
			wantErr: true,
		},
		{
			name: "zero threshold is kept",
			yaml: "research:\n  quality_threshold: 0\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 0.0, cfg.Research.QualityThreshold)
				assert.Equal(t, 20, cfg.Research.MaxIterations)
			},
		},
		{
			name: "zero freshness window is kept",
			yaml: "cache:\n  freshness_window: 0s\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, time.Duration(0), cfg.Cache.FreshnessWindow)
				assert.Equal(t, "sage.db", cfg.Cache.DSN)
			},
		},
		{
			name: "zero temperature is kept",
			yaml: "oracle:\n  temperature: 0\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 0.0, cfg.Oracle.Temperature)
				assert.Equal(t, 4096, cfg.Oracle.MaxTokens)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeFile(t, "sage.yaml", tt.yaml))
			require.NoError(t, err)

			err = cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidConfig))
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_ZeroOverride(t *testing.T) {
	v := NewViper()
	v.Set("research.max_iterations", 0)
	v.Set("cache.freshness_window", "0s")

	cfg, err := Load("", v)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Research.MaxIterations)
	assert.Equal(t, time.Duration(0), cfg.Cache.FreshnessWindow)
	assert.True(t, apperrors.HasCode(cfg.Validate(), apperrors.ErrCodeInvalidConfig))
}

func TestLoadConfig_Fallbacks(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-fallback")
	path := writeFile(t, "sage.yaml", `
oracle:
  provider: OpenAI
  api_key: sk-primary
  fallbacks:
    - provider: " Anthropic "
      model: claude-3-5-haiku-latest
    - provider: gemini
      api_key: gm-inline
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "openai", cfg.Oracle.Provider)
	require.Len(t, cfg.Oracle.Fallbacks, 2)
	assert.Equal(t, "anthropic", cfg.Oracle.Fallbacks[0].Provider)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.Oracle.Fallbacks[0].APIKeyEnv)
	assert.Equal(t, "sk-ant-fallback", cfg.Oracle.Fallbacks[0].APIKey)
	assert.Equal(t, "gm-inline", cfg.Oracle.Fallbacks[1].APIKey)
	assert.Empty(t, cfg.Oracle.Fallbacks[1].APIKeyEnv)
}

func TestLoadConfig_DSNFromEnv(t *testing.T) {
	t.Setenv("TEST_SAGE_PG_DSN", "postgres://sage:secret@db:5432/sage")
	path := writeFile(t, "sage.yaml", `
cache:
  driver: postgres
  dsn_env: TEST_SAGE_PG_DSN
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://sage:secret@db:5432/sage", cfg.Cache.DSN)
	assert.NoError(t, cfg.Validate())
}

func TestSetDefaults_ProviderKeyEnv(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{provider: "openai", want: "OPENAI_API_KEY"},
		{provider: "anthropic", want: "ANTHROPIC_API_KEY"},
		{provider: "gemini", want: "GEMINI_API_KEY"},
		{provider: "Anthropic", want: "ANTHROPIC_API_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := &Config{Oracle: OracleConfig{Provider: tt.provider}}
			require.NoError(t, cfg.SetDefaults())
			assert.Equal(t, tt.want, cfg.Oracle.APIKeyEnv)
			assert.Equal(t, 20, cfg.Research.MaxIterations)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr int
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "zero iterations", mutate: func(c *Config) { c.Research.MaxIterations = 0 }, wantErr: 1},
		{name: "threshold above ten", mutate: func(c *Config) { c.Research.QualityThreshold = 11 }, wantErr: 1},
		{name: "unknown cache driver", mutate: func(c *Config) { c.Cache.Driver = "mongo" }, wantErr: 1},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Cache.Driver = "postgres"; c.Cache.DSN = "" }, wantErr: 1},
		{name: "unknown provider", mutate: func(c *Config) { c.Oracle.Provider = "cohere" }, wantErr: 1},
		{name: "mixed case provider", mutate: func(c *Config) { c.Oracle.Provider = "Anthropic" }},
		{
			name: "fallback repeats primary",
			mutate: func(c *Config) {
				c.Oracle.Fallbacks = []FallbackConfig{{Provider: "openai"}, {Provider: "anthropic"}}
			},
			wantErr: 1,
		},
		{name: "unknown fallback", mutate: func(c *Config) { c.Oracle.Fallbacks = []FallbackConfig{{Provider: "bard"}} }, wantErr: 1},
		{
			name: "several problems",
			mutate: func(c *Config) {
				c.Research.MinSources = 0
				c.Server.Port = 70000
				c.Logging.Level = "verbose"
			},
			wantErr: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidConfig))

			var merr *multierror.Error
			require.ErrorAs(t, err, &merr)
			assert.Len(t, merr.Errors, tt.wantErr)
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Setenv("SAGE_RESEARCH_MAX_ITERATIONS", "3")
	t.Setenv("SAGE_ORACLE_PROVIDER", "anthropic")

	v := NewViper()
	v.Set("cache.driver", "memory")
	v.Set("tools.timeout", "5s")

	cfg, err := Load("", v)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Research.MaxIterations)
	assert.Equal(t, "anthropic", cfg.Oracle.Provider)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.Oracle.APIKeyEnv)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, 5*time.Second, cfg.Tools.Timeout)
	assert.Equal(t, 7.0, cfg.Research.QualityThreshold)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Research.MaxIterations = 12
	cfg.Cache.FreshnessWindow = 6 * time.Hour

	path := filepath.Join(t.TempDir(), "sage.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 12, loaded.Research.MaxIterations)
	assert.Equal(t, 6*time.Hour, loaded.Cache.FreshnessWindow)
}

func TestLoadEnvFiles(t *testing.T) {
	t.Setenv("SAGE_TEST_PRESET", "kept")
	path := writeFile(t, ".env", "SAGE_TEST_FROM_FILE=loaded\nSAGE_TEST_PRESET=replaced\n")
	t.Cleanup(func() { os.Unsetenv("SAGE_TEST_FROM_FILE") })

	require.NoError(t, LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "loaded", os.Getenv("SAGE_TEST_FROM_FILE"))
	assert.Equal(t, "kept", os.Getenv("SAGE_TEST_PRESET"))
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "research.max_iterations")
	assert.Contains(t, keys, "oracle.provider")
}
