package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnv_Defaults(t *testing.T) {
	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, DefaultTCPPort, cfg.TCPPort)
	assert.Equal(t, DefaultUDPPort, cfg.UDPPort)
	assert.Equal(t, 0, cfg.OpsPort)
	assert.Equal(t, DefaultMaxFrameBytes, cfg.MaxFrameBytes)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, DefaultInitialSsthresh, cfg.InitialSsthresh)
	assert.Equal(t, DefaultBaseChunkBytes, cfg.BaseChunkBytes)
	assert.Equal(t, 2*time.Second, cfg.AckTimeout)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultSessionQueueBytes, cfg.SessionQueueBytes)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.False(t, cfg.DevelopmentMode)
}

func TestValidateEnv_Overrides(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("TCP_PORT", "6000")
	t.Setenv("UDP_PORT", "6001")
	t.Setenv("OPS_PORT", "9090")
	t.Setenv("ACK_TIMEOUT_MS", "500")
	t.Setenv("MAX_RETRIES", "3")
	t.Setenv("DEVELOPMENT_MODE", "true")

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.TCPAddr())
	assert.Equal(t, "127.0.0.1:6001", cfg.UDPAddr())
	assert.Equal(t, "127.0.0.1:9090", cfg.OpsAddr())
	assert.Equal(t, 500*time.Millisecond, cfg.AckTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.DevelopmentMode)
}

func TestValidateEnv_InvalidValues(t *testing.T) {
	t.Setenv("TCP_PORT", "not-a-port")
	t.Setenv("MAX_RETRIES", "0")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TCP_PORT")
	assert.Contains(t, err.Error(), "MAX_RETRIES")
}

func TestValidateEnv_PortClash(t *testing.T) {
	t.Setenv("TCP_PORT", "7000")
	t.Setenv("UDP_PORT", "7000")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestOpsAddr_Disabled(t *testing.T) {
	cfg := &Config{Host: "0.0.0.0"}
	assert.Equal(t, "", cfg.OpsAddr())
}
