package config

import (
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalRequiredConfig provides database and Redis config needed for all tests
func minimalRequiredConfig() map[string]string {
	return map[string]string{
		"TALLY_DB_HOST":        "localhost",
		"TALLY_DB_PORT":        "5432",
		"TALLY_DB_NAME":        "tally_test",
		"TALLY_DB_USER":        "test_user",
		"TALLY_DB_PASSWORD":    "test_pass",
		"TALLY_REDIS_HOST":     "localhost",
		"TALLY_REDIS_PORT":     "6379",
		"TALLY_REDIS_PASSWORD": "redis_password_123",
	}
}

// mergeEnvVars merges additional env vars with minimal required config
func mergeEnvVars(additional map[string]string) map[string]string {
	result := minimalRequiredConfig()
	maps.Copy(result, additional)
	return result
}

// validProductionConfig returns a complete valid production configuration
// with all required database, Redis, and engine API settings for production tests
func validProductionConfig() map[string]string {
	return map[string]string{
		// App
		"TALLY_APP_ENV": "production",

		// Database
		"TALLY_DB_HOST":     "prod-db.example.com",
		"TALLY_DB_PORT":     "5432",
		"TALLY_DB_NAME":     "tally_prod",
		"TALLY_DB_USER":     "prod_user",
		"TALLY_DB_PASSWORD": "SuperSecure123!",
		"TALLY_DB_SSL_MODE": "require",

		// Redis
		"TALLY_REDIS_HOST":        "prod-redis.example.com",
		"TALLY_REDIS_PORT":        "6379",
		"TALLY_REDIS_PASSWORD":    "RedisSecure123!",
		"TALLY_REDIS_TLS_ENABLED": "true",

		// Engine API
		"TALLY_SERVER_API_API_KEY_HASH":  "5dec7e1c36e8ec7f526cfa8ff6dc788daad76f6dd34467662eb47990dca6b55d",
		"TALLY_SERVER_API_TLS_ENABLED":   "true",
		"TALLY_SERVER_API_TLS_CERT_FILE": "/certs/api-cert.pem",
		"TALLY_SERVER_API_TLS_KEY_FILE":  "/certs/api-key.pem",
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name:    "Should use defaults when no env vars are set",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "tally", cfg.App.Name)
				assert.Equal(t, "dev", cfg.App.Version)
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "info", cfg.App.LogLevel)
				assert.Equal(t, "text", cfg.App.LogFormat)
				assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "8080", cfg.Server.API.Port)
				assert.Equal(t, 8, cfg.Worker.Concurrency)
				assert.Equal(t, "redis", cfg.Worker.Source)
				assert.Equal(t, 3, cfg.Worker.Retry.MaxAttempts)
				assert.InDelta(t, 1.8, cfg.Worker.Retry.BackoffMultiplier, 1e-9)
				assert.Equal(t, time.Second, cfg.Worker.Retry.MinDelay)
				assert.Equal(t, 30*time.Second, cfg.Worker.Retry.MaxDelay)
				assert.Equal(t, "log", cfg.Notify.Driver)
				assert.Equal(t, 1, cfg.Sweep.ShardCount)
			},
			wantErr: false,
		},
		{
			name: "Should load all custom environment variables correctly",
			envVars: mergeEnvVars(map[string]string{
				"TALLY_APP_NAME":             "test-app",
				"TALLY_APP_VERSION":          "1.0.0",
				"TALLY_APP_ENV":              "staging",
				"TALLY_APP_LOG_LEVEL":        "debug",
				"TALLY_APP_LOG_FORMAT":       "json",
				"TALLY_APP_SHUTDOWN_TIMEOUT": "60s",
				"TALLY_SERVER_API_PORT":      "9191",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "test-app", cfg.App.Name)
				assert.Equal(t, "1.0.0", cfg.App.Version)
				assert.Equal(t, "staging", cfg.App.Environment)
				assert.Equal(t, "debug", cfg.App.LogLevel)
				assert.Equal(t, "json", cfg.App.LogFormat)
				assert.Equal(t, 60*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "9191", cfg.Server.API.Port)
			},
			wantErr: false,
		},
		{
			name: "Should fail validation on invalid environment value",
			envVars: mergeEnvVars(map[string]string{
				"TALLY_APP_ENV": "invalid",
			}),
			wantErr: true,
		},
		{
			name: "Should fail validation on invalid log level",
			envVars: mergeEnvVars(map[string]string{
				"TALLY_APP_LOG_LEVEL": "trace",
			}),
			wantErr: true,
		},
		{
			name: "Should fail validation on invalid log format",
			envVars: mergeEnvVars(map[string]string{
				"TALLY_APP_LOG_FORMAT": "xml",
			}),
			wantErr: true,
		},
		{
			name: "Should pass validation in staging environment",
			envVars: mergeEnvVars(map[string]string{
				"TALLY_APP_ENV": "staging",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "staging", cfg.App.Environment)
			},
			wantErr: false,
		},
		{
			name: "Should allow missing passwords in non-production environments",
			envVars: mergeEnvVars(map[string]string{
				"TALLY_APP_ENV":        "development",
				"TALLY_DB_PASSWORD":    "", // Empty password OK in development
				"TALLY_REDIS_PASSWORD": "", // Empty password OK in development
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "", cfg.Database.Password)
				assert.Equal(t, "", cfg.Redis.Password)
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup: Set environment variables for this test
			// t.Setenv automatically prevents parallel execution and cleans up after the test
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			// Execute
			cfg, err := Load()

			// Assert
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.want != nil {
				tt.want(t, cfg)
			}
		})
	}
}
