package config

import (
	"encoding/json"
	"os"
)

// Defaults applied by Parse when the corresponding setting is absent
// from the configuration file.
const (
	DefaultAPIVersion          = "53.0"
	DefaultDownloadDir         = "./data"
	DefaultNotifierConcurrency = 4
)

// Config holds the app's configuration
type Config struct {
	Credentials struct {
		// Path of the credentials JSON document
		File string `json:"file"`
	} `json:"credentials"`

	API struct {
		Version string `json:"version"`
	} `json:"api"`

	Processor struct {
		DownloadDir string `json:"download_dir"`
		// BatchSize 0 means derive the size from the record count and
		// the worker count when planning
		BatchSize      int               `json:"batch_size"`
		Workers        int               `json:"workers"`
		MaxAttempts    int               `json:"max_attempts"`
		PageMimeType   string            `json:"page_mime_type"`
		StatsInterval  int               `json:"stats_interval"`
		StorageBackend map[string]string `json:"filestorage"`
	} `json:"processor"`

	Ingest struct {
		ChunkSize  int64  `json:"chunk_size"`
		WorkingDir string `json:"working_dir"`
	} `json:"ingest"`

	Registry struct {
		Addr string `json:"addr"`
	} `json:"registry"`

	Notifier struct {
		Backend     string `json:"backend"`
		Destination string `json:"destination"`
		Concurrency int    `json:"concurrency"`
	} `json:"notifier"`

	Backends map[string]map[string]interface{}
}

// Parse loads a given file name and creates a Configuration
func Parse(filename string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(filename)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.Version == "" {
		c.API.Version = DefaultAPIVersion
	}
	if c.Processor.DownloadDir == "" {
		c.Processor.DownloadDir = DefaultDownloadDir
	}
	if c.Notifier.Concurrency == 0 {
		c.Notifier.Concurrency = DefaultNotifierConcurrency
	}
}
