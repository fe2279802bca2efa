package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide target configuration.
type Config struct {
	ProjectID        string
	DatasetID        string
	StreamData       bool
	Truncate         bool
	ForcedFullTables []string
	TablePrefix      string
	TableSuffix      string
	ValidateRecords  bool
	Location         string
}

// fileConfig mirrors the config file keys. Singer configs are JSON; JSON is
// a YAML subset, so the YAML parser reads both. Booleans that default to
// true are pointers so that an absent key is distinguishable from false.
type fileConfig struct {
	ProjectID         string   `yaml:"project_id"`
	DatasetID         string   `yaml:"dataset_id"`
	StreamData        *bool    `yaml:"stream_data"`
	ReplicationMethod string   `yaml:"replication_method"`
	ForcedFullTables  []string `yaml:"forced_fulltables"`
	TablePrefix       string   `yaml:"table_prefix"`
	TableSuffix       string   `yaml:"table_suffix"`
	ValidateRecords   *bool    `yaml:"validate_records"`
	Location          string   `yaml:"location"`
}

// Load reads the config file, applies defaults and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var f fileConfig
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	c := Config{
		ProjectID:        f.ProjectID,
		DatasetID:        f.DatasetID,
		StreamData:       f.StreamData == nil || *f.StreamData,
		Truncate:         f.ReplicationMethod == "FULL_TABLE",
		ForcedFullTables: f.ForcedFullTables,
		TablePrefix:      f.TablePrefix,
		TableSuffix:      f.TableSuffix,
		ValidateRecords:  f.ValidateRecords == nil || *f.ValidateRecords,
		Location:         f.Location,
	}
	if c.Location == "" {
		c.Location = "EU"
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects unusable configurations before any input is read.
func (c Config) Validate() error {
	if c.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if c.DatasetID == "" {
		return errors.New("dataset_id is required")
	}
	if c.StreamData && c.Truncate {
		return errors.New("streaming data and truncating tables cannot be combined; use batch loads (stream_data: false) for FULL_TABLE replication")
	}
	return nil
}
