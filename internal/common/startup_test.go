package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
)

type testConfig struct {
	HttpPort uint16
	Interval time.Duration
	Sink     struct {
		Type    string
		MaxSize resource.Quantity
	}
}

func writeFile(t *testing.T, path string, contents string) {
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestReadConfig_MergesOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "httpPort: 8080\ninterval: 10s\nsink:\n  type: sqlite\n  maxSize: 256Mi\n")
	override := filepath.Join(dir, "override.yaml")
	writeFile(t, override, "interval: 1m\n")
	t.Setenv("LOGBUFFER_SINK_TYPE", "redis")

	var config testConfig
	_, err := ReadConfig(&config, dir, []string{override, ""}, nil)
	require.NoError(t, err)

	assert.Equal(t, uint16(8080), config.HttpPort)
	assert.Equal(t, time.Minute, config.Interval)
	assert.Equal(t, "redis", config.Sink.Type)
	assert.Equal(t, int64(256*1024*1024), config.Sink.MaxSize.Value())
}

func TestReadConfig_MissingBase(t *testing.T) {
	var config testConfig
	_, err := ReadConfig(&config, t.TempDir(), nil, nil)
	assert.Error(t, err)
}

func TestReadConfig_MissingOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "httpPort: 8080\n")

	var config testConfig
	_, err := ReadConfig(&config, dir, []string{filepath.Join(dir, "nope.yaml")}, nil)
	assert.Error(t, err)
}

func TestReadConfig_ExplicitFlagsWin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "httpPort: 8080\ninterval: 10s\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Uint16("httpPort", 8080, "")
	flags.Duration("interval", time.Second, "")
	require.NoError(t, flags.Parse([]string{"--httpPort", "9090"}))

	var config testConfig
	_, err := ReadConfig(&config, dir, nil, flags)
	require.NoError(t, err)

	assert.Equal(t, uint16(9090), config.HttpPort)
	assert.Equal(t, 10*time.Second, config.Interval)
}
