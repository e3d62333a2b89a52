// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/elastic/go-docstage"
)

const defaultPacing = 2 * time.Second

// ClusterConfig holds the connection settings of a cluster.
type ClusterConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Insecure disables TLS certificate verification.
	Insecure bool `yaml:"insecure"`
}

// S3Config holds the settings of an S3 stage.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// StageConfig holds where tables are kept. Tables go to S3 when a bucket is
// set, and to Dir otherwise.
type StageConfig struct {
	Dir string   `yaml:"dir"`
	S3  S3Config `yaml:"s3"`
}

// Config is the configuration file of the docstage command.
type Config struct {
	Source ClusterConfig `yaml:"source"`
	Target ClusterConfig `yaml:"target"`
	Stage  StageConfig   `yaml:"stage"`

	// Indices lists the indices to process. If empty, export processes
	// every index of the source and import every staged table.
	Indices       []string `yaml:"indices"`
	Pattern       string   `yaml:"pattern"`
	IncludeHidden bool     `yaml:"include_hidden"`

	Pacing      time.Duration `yaml:"pacing"`
	Concurrency int           `yaml:"concurrency"`

	PageSize  int           `yaml:"page_size"`
	ScrollTTL time.Duration `yaml:"scroll_ttl"`
	Header    string        `yaml:"header"`
	IncludeID bool          `yaml:"include_id"`

	BulkBatchSize          int    `yaml:"bulk_batch_size"`
	MaxRetries             int    `yaml:"max_retries"`
	CompressionLevel       int    `yaml:"compression_level"`
	Pipeline               string `yaml:"pipeline"`
	DisableRefresh         bool   `yaml:"disable_refresh"`
	DisableScalarInference bool   `yaml:"disable_scalar_inference"`
	OmitNulls              bool   `yaml:"omit_nulls"`

	LogLevel string `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		Source:   ClusterConfig{Host: "https://localhost:9200"},
		Target:   ClusterConfig{Host: "https://localhost:9200"},
		Stage:    StageConfig{Dir: "."},
		Pacing:   defaultPacing,
		LogLevel: "info",
	}
}

// loadConfig reads the configuration file at path over the defaults. A
// missing file is only an error if required is set.
func loadConfig(path string, required bool) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// loadEnvFile loads variables from a .env file into the environment,
// without overriding variables that are already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides the cluster settings with the OPENSEARCH_* variables.
func (c *Config) applyEnv(getenv func(string) string) {
	for prefix, cluster := range map[string]*ClusterConfig{
		"OPENSEARCH_SOURCE_": &c.Source,
		"OPENSEARCH_TARGET_": &c.Target,
	} {
		if v := getenv(prefix + "HOST"); v != "" {
			cluster.Host = v
		}
		if v := getenv(prefix + "USER"); v != "" {
			cluster.Username = v
		}
		if v := getenv(prefix + "PASS"); v != "" {
			cluster.Password = v
		}
	}
}

// stageConfig returns the library configuration shared by both commands.
func (c Config) stageConfig() (docstage.Config, error) {
	header, err := docstage.ParseHeaderMode(c.Header)
	if err != nil {
		return docstage.Config{}, err
	}
	cfg := docstage.Config{
		Pacing:                 c.Pacing,
		Concurrency:            c.Concurrency,
		PageSize:               c.PageSize,
		ScrollTTL:              c.ScrollTTL,
		Header:                 header,
		IncludeID:              c.IncludeID,
		BulkBatchSize:          c.BulkBatchSize,
		MaxDocumentRetries:     c.MaxRetries,
		CompressionLevel:       c.CompressionLevel,
		Pipeline:               c.Pipeline,
		DisableRefresh:         c.DisableRefresh,
		DisableScalarInference: c.DisableScalarInference,
		OmitNulls:              c.OmitNulls,
	}
	if len(c.Indices) > 0 {
		cfg.Indices = docstage.StaticIndices(c.Indices)
	}
	return cfg, cfg.Validate()
}
