package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultGlobusClientID, cfg.GlobusClientID)
	assert.Equal(t, DefaultAWSAccountID, cfg.AWS.AccountID)
	assert.Equal(t, DefaultBootstrapServers, cfg.Cluster.BootstrapServers)
	assert.True(t, cfg.Cluster.AcksAll)
	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, 10*time.Second, cfg.ProduceTimeout)
	assert.Equal(t, 5*time.Second, cfg.ConsumeWait)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
globusClientID: from-file
cluster:
  bootstrapServers:
    - broker-1:9198
server:
  transport: http
  port: 9000
`), 0600))

	t.Setenv("GLOBUS_CLIENT_ID", "from-env")
	t.Setenv("OCTOPUS_BOOTSTRAP_SERVERS", "broker-a:9198, broker-b:9198")
	t.Setenv("DIASPORA_AWS_ACCESS_KEY_ID", "akid")
	t.Setenv("DIASPORA_AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("DIASPORA_AWS_DEFAULT_REGION", "us-east-1")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment beats file beats defaults.
	assert.Equal(t, "from-env", cfg.GlobusClientID)
	assert.Equal(t, []string{"broker-a:9198", "broker-b:9198"}, cfg.Cluster.BootstrapServers)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "akid", cfg.AWS.AccessKeyID)
	assert.Equal(t, "us-east-1", cfg.AWS.Region)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("GLOBUS_CLIENT_ID", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultGlobusClientID, cfg.GlobusClientID)
}

func TestValidateReportsAllMissing(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DIASPORA_AWS_ACCESS_KEY_ID")
	assert.Contains(t, err.Error(), "DIASPORA_AWS_SECRET_ACCESS_KEY")
	assert.Contains(t, err.Error(), "DIASPORA_AWS_DEFAULT_REGION")
}

func TestValidateRequiresBootstrapServers(t *testing.T) {
	cfg := Default()
	cfg.AWS = AWSConfig{Region: "us-east-1", AccessKeyID: "k", SecretAccessKey: "s"}
	cfg.Cluster.BootstrapServers = nil
	assert.Error(t, cfg.Validate())
}

func TestSplitServers(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, splitServers("a:1, b:2,"))
	assert.Empty(t, splitServers("  ,"))
}
