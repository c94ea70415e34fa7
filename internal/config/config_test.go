package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err, "expected defaults to be valid")

	assert.Equal(t, "localhost:8000", cfg.ServerAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Nil(t, cfg.SigningKey, "expected no signing key by default")
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "prod", cfg.Log.Mode)
	assert.Equal(t, 256, cfg.WS.SendBuffer)
	assert.EqualValues(t, 4096, cfg.WS.MaxMessageSize)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoad(t *testing.T) {
	tcases := []struct {
		name string
		set  map[string]any
		err  bool
	}{
		{
			name: "postgres store",
			set: map[string]any{
				KeyStore:   "postgres",
				KeyDSN:     "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
				KeyMigrate: true,
			},
		},
		{
			name: "postgres without DSN",
			set:  map[string]any{KeyStore: "postgres"},
			err:  true,
		},
		{
			name: "migrate memory store",
			set:  map[string]any{KeyMigrate: true},
			err:  true,
		},
		{
			name: "unknown store",
			set:  map[string]any{KeyStore: "sqlite"},
			err:  true,
		},
		{
			name: "empty address",
			set:  map[string]any{KeyAddr: ""},
			err:  true,
		},
		{
			name: "invalid signing key",
			set:  map[string]any{KeySigningKey: "invalid_base64"},
			err:  true,
		},
		{
			name: "unknown log mode",
			set:  map[string]any{KeyLogMode: "verbose"},
			err:  true,
		},
		{
			name: "kafka without topic",
			set:  map[string]any{KeyKafkaBrokers: "localhost:9092", KeyKafkaTopic: ""},
			err:  true,
		},
		{
			name: "zero send buffer",
			set:  map[string]any{KeyWSSendBuffer: 0},
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			v := New()
			for k, val := range tc.set {
				v.Set(k, val)
			}

			_, err := Load(v)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)
		})
	}
}

func TestLoad_lists(t *testing.T) {
	v := New()
	v.Set(KeyAllowedOrigins, "http://localhost:3000, http://example.com")
	v.Set(KeyKafkaBrokers, []string{"k1:9092,k2:9092", "k3:9092"})
	v.Set(KeySigningKey, "c29tZV9zZWNyZXQ=")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:3000", "http://example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"k1:9092", "k2:9092", "k3:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []byte("some_secret"), cfg.SigningKey)
}

func TestLoad_env(t *testing.T) {
	t.Setenv("CHATCORE_ADDR", ":9000")
	t.Setenv("CHATCORE_LOG_LEVEL", "debug")
	t.Setenv("CHATCORE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}
