package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, float32(0.75), cfg.Model.Confidence)
	assert.Equal(t, float32(0.3), cfg.Model.Iou)
	assert.Equal(t, []int{0, 440}, cfg.Tiling.XOffsets)
	assert.Equal(t, []int{0, 440, 880}, cfg.Tiling.YOffsets)
	assert.Equal(t, 1080, cfg.Tiling.ReferenceWidth)
	assert.Equal(t, 1920, cfg.Tiling.ReferenceHeight)
	assert.Equal(t, 5*time.Second, cfg.Notify.Cooldown)
	assert.Equal(t, float32(80), cfg.Notify.MinConfidence)
}

func TestLoad(t *testing.T) {
	t.Run("Test overrides keep defaults", func(t *testing.T) {
		path := writeConfig(t, `
server:
  httpPort: 9090
model:
  path: /opt/models/lights.onnx
  labels: /opt/models/lights.txt
  confidence: 0.6
notify:
  cooldown: 3s
  templates:
    yellowlight: "yellow %d"
source:
  kind: directory
  directory: /data/frames
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Server.HTTPPort)
		assert.Equal(t, 50051, cfg.Server.RPCPort)
		assert.Equal(t, "/opt/models/lights.onnx", cfg.Model.Path)
		assert.Equal(t, float32(0.6), cfg.Model.Confidence)
		assert.Equal(t, float32(0.3), cfg.Model.Iou)
		assert.Equal(t, 3*time.Second, cfg.Notify.Cooldown)
		assert.Contains(t, cfg.Notify.Templates, "redlight")
		assert.Equal(t, "yellow %d", cfg.Notify.Templates["yellowlight"])
		assert.Equal(t, SourceDirectory, cfg.Source.Kind)
	})

	t.Run("Test workers default to one", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "tiling:\n  workers: 0\n"))
		require.NoError(t, err)
		assert.Equal(t, 1, cfg.Tiling.Workers)
	})

	t.Run("Test missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("Test malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: [1, 2"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"confidence", func(c *Config) { c.Model.Confidence = 1.5 }, "model.confidence"},
		{"iou", func(c *Config) { c.Model.Iou = -0.1 }, "model.iou"},
		{"offsets", func(c *Config) { c.Tiling.XOffsets = nil }, "offsets"},
		{"rotation", func(c *Config) { c.Source.Rotation = 45 }, "source.rotation"},
		{"source kind", func(c *Config) { c.Source.Kind = "rtsp" }, "unsupported source kind"},
		{"directory", func(c *Config) { c.Source.Kind = SourceDirectory }, "source.directory"},
		{"speaker", func(c *Config) { c.Notify.Speaker = "http" }, "notify.ttsURL"},
		{"registry", func(c *Config) { c.Registry.Enabled = true }, "registry.host"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("workers", func(t *testing.T) {
		cfg := Default()
		cfg.Tiling.Workers = 0
		assert.ErrorContains(t, cfg.Validate(), "tiling.workers")
		assert.Equal(t, 0, cfg.Tiling.Workers)
	})

	t.Run("workers above core count", func(t *testing.T) {
		cfg := Default()
		cfg.Tiling.Workers = 64 * runtime.NumCPU()
		assert.NoError(t, cfg.Validate())
	})
}
