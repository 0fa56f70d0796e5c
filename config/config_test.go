package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidatesWithBaseURL(t *testing.T) {
	cfg := Default()
	cfg.API.BaseURL = "https://api.example.org"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100_000, cfg.Sort.ChunkSize)
	assert.Equal(t, 64, cfg.Merge.FanIn)
	assert.Equal(t, 2, cfg.Retention.MinKeep)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.MaxAge.Std())
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://api.example.org
  organism: rsva
sort:
  chunk_size: 3
merge:
  fan_in: 2
retention:
  max_age: 168h
  min_keep: 3
`), 0o644))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "rsva", cfg.API.Organism)
	assert.Equal(t, 3, cfg.Sort.ChunkSize)
	assert.Equal(t, 2, cfg.Merge.FanIn)
	assert.Equal(t, 3, cfg.Retention.MinKeep)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.MaxAge.Std())
	// Defaults survive partial files.
	assert.Equal(t, "/sampleId", cfg.API.IDField)
	assert.Equal(t, 10_000, cfg.Fetch.MaxPerPage)
}

func TestFromFileUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://api.example.org
  chunk_sise: 5
`), 0o644))

	_, err := FromFile(path)
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	base := Default()
	base.API.BaseURL = "https://api.example.org"

	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"missing base url", func(c *Config) { c.API.BaseURL = "" }},
		{"bad timestamp path", func(c *Config) { c.API.TimestampField = "nope" }},
		{"zero chunk size", func(c *Config) { c.Sort.ChunkSize = 0 }},
		{"fan-in below two", func(c *Config) { c.Merge.FanIn = 1 }},
		{"zero days", func(c *Config) { c.Fetch.Days = 0 }},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mut(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
