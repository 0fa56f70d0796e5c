// Package config holds the typed configuration for the whole pipeline.
//
// The original deployment spread these knobs over environment and build
// variables; here they live in one structure with documented defaults,
// loadable from a YAML file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wisepulse/silopipe/record"
)

// Duration wraps time.Duration so YAML can carry values like "168h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// API configures access to the remote LAPIS-style endpoint.
type API struct {
	// BaseURL is the API root, e.g. "https://api.db.wasap.genspectrum.org".
	BaseURL string `yaml:"base_url"`
	// Organism selects the endpoint namespace, e.g. "covid", "rsva".
	Organism string `yaml:"organism"`
	// TimestampField is the field path of the submission timestamp.
	TimestampField string `yaml:"timestamp_field"`
	// IDField is the field path of the unique record identifier.
	IDField string `yaml:"id_field"`
	// RequestsPerSec throttles API requests. 0 disables throttling.
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	// MaxRetries bounds the retry budget per request.
	MaxRetries int `yaml:"max_retries"`
}

// Fetch configures the incremental fetcher.
type Fetch struct {
	// Days is how many days backwards from the start date are fetched.
	Days int `yaml:"days"`
	// MaxReads caps the total number of records per run.
	MaxReads int `yaml:"max_reads"`
	// MaxPerPage is the page size used when paginating the API.
	MaxPerPage int `yaml:"max_per_page"`
}

// Sort configures the chunked external sorter.
type Sort struct {
	// ChunkSize is the maximum number of records held in memory.
	ChunkSize int `yaml:"chunk_size"`
	// Workers bounds concurrent shard sorts. 0 means GOMAXPROCS.
	Workers int64 `yaml:"workers"`
}

// Merge configures the k-way external merger.
type Merge struct {
	// FanIn is the maximum number of files merged in one pass.
	FanIn int `yaml:"fan_in"`
}

// Paths locates all persistent and scratch state.
type Paths struct {
	// WorkDir holds per-run scratch (shards, chunks, merge scratch).
	WorkDir string `yaml:"work_dir"`
	// VersionsRoot holds one directory per index version, plus the
	// build marker so cleanup finds both in one place.
	VersionsRoot string `yaml:"versions_root"`
	// CommittedFile stores the committed checkpoint timestamp.
	CommittedFile string `yaml:"committed_file"`
	// PendingFile stores the transient pending checkpoint timestamp.
	PendingFile string `yaml:"pending_file"`
}

// Retention bounds deletion of old index versions.
type Retention struct {
	// MaxAge is the age beyond which a version becomes deletable.
	MaxAge Duration `yaml:"max_age"`
	// MinKeep is the number of newest versions that are always kept.
	MinKeep int `yaml:"min_keep"`
}

// Build configures the controller's external collaborators.
type Build struct {
	// CompilerCommand is the index compiler argv. The sorted stream is
	// piped to its stdin and the version directory appended as the
	// final argument.
	CompilerCommand []string `yaml:"compiler_command"`
	// ServerStartCommand is run with the version directory appended.
	ServerStartCommand []string `yaml:"server_start_command"`
	// ServerStopCommand stops the serving process.
	ServerStopCommand []string `yaml:"server_stop_command"`
	// MinFreeBytes refuses to start a build when the versions root has
	// less free disk space than this. 0 disables the preflight.
	MinFreeBytes uint64 `yaml:"min_free_bytes"`
}

// Archive configures optional post-commit upload to object storage.
type Archive struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Config is the complete pipeline configuration.
type Config struct {
	API       API       `yaml:"api"`
	Fetch     Fetch     `yaml:"fetch"`
	Sort      Sort      `yaml:"sort"`
	Merge     Merge     `yaml:"merge"`
	Paths     Paths     `yaml:"paths"`
	Retention Retention `yaml:"retention"`
	Build     Build     `yaml:"build"`
	Archive   Archive   `yaml:"archive"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		API: API{
			Organism:       "covid",
			TimestampField: "/submittedAtTimestamp",
			IDField:        "/sampleId",
			RequestsPerSec: 10,
			MaxRetries:     4,
		},
		Fetch: Fetch{
			Days:       42,
			MaxReads:   100_000_000,
			MaxPerPage: 10_000,
		},
		Sort: Sort{
			ChunkSize: 100_000,
		},
		Merge: Merge{
			FanIn: 64,
		},
		Paths: Paths{
			WorkDir:       "work",
			VersionsRoot:  "output",
			CommittedFile: ".last_update",
			PendingFile:   ".next_timestamp",
		},
		Retention: Retention{
			MaxAge:  Duration(7 * 24 * time.Hour),
			MinKeep: 2,
		},
	}
}

// FromFile loads a YAML config file over the defaults.
// Unknown keys are rejected.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if _, err := record.ParseFieldPath(c.API.TimestampField); err != nil {
		return fmt.Errorf("api.timestamp_field: %w", err)
	}
	if _, err := record.ParseFieldPath(c.API.IDField); err != nil {
		return fmt.Errorf("api.id_field: %w", err)
	}
	if c.Sort.ChunkSize <= 0 {
		return fmt.Errorf("sort.chunk_size must be positive, got %d", c.Sort.ChunkSize)
	}
	if c.Merge.FanIn < 2 {
		return fmt.Errorf("merge.fan_in must be at least 2, got %d", c.Merge.FanIn)
	}
	if c.Fetch.Days <= 0 {
		return fmt.Errorf("fetch.days must be positive, got %d", c.Fetch.Days)
	}
	if c.Fetch.MaxPerPage <= 0 {
		return fmt.Errorf("fetch.max_per_page must be positive, got %d", c.Fetch.MaxPerPage)
	}
	if c.Retention.MinKeep < 0 {
		return fmt.Errorf("retention.min_keep must not be negative, got %d", c.Retention.MinKeep)
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive.endpoint and archive.bucket are required when archive is enabled")
	}
	return nil
}
