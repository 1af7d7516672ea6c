package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline holds the tuning knobs of the analysis pipeline. Sizes are in characters.
type Pipeline struct {
	ChunkSize              int           `yaml:"chunk_size"`
	MinChunkSize           int           `yaml:"min_chunk_size"`
	LargeDocumentThreshold int           `yaml:"large_document_threshold"`
	MaxPromptChars         int           `yaml:"max_prompt_chars"`
	BatchSize              int           `yaml:"batch_size"`
	MaxReduceLevel         int           `yaml:"max_reduce_level"`
	RefineThreshold        int           `yaml:"refine_threshold"`
	DownloadConcurrency    int           `yaml:"download_concurrency"`
	MapConcurrency         int           `yaml:"map_concurrency"`
	ReduceConcurrency      int           `yaml:"reduce_concurrency"`
	UnitLeaseTimeout       time.Duration `yaml:"unit_lease_timeout"`
	RateLimitRetries       int           `yaml:"rate_limit_retries"`
	RateLimitBaseDelay     time.Duration `yaml:"rate_limit_base_delay"`
	TransientRetries       int           `yaml:"transient_retries"`
	TransientBaseDelay     time.Duration `yaml:"transient_base_delay"`
}

// DefaultPipeline returns the empirically tuned defaults.
func DefaultPipeline() Pipeline {
	return Pipeline{
		ChunkSize:              80_000,
		MinChunkSize:           8_000,
		LargeDocumentThreshold: 120_000,
		MaxPromptChars:         400_000,
		BatchSize:              10,
		MaxReduceLevel:         5,
		RefineThreshold:        20,
		DownloadConcurrency:    8,
		MapConcurrency:         4,
		ReduceConcurrency:      4,
		UnitLeaseTimeout:       30 * time.Minute,
		RateLimitRetries:       5,
		RateLimitBaseDelay:     2 * time.Second,
		TransientRetries:       3,
		TransientBaseDelay:     time.Second,
	}
}

// LoadPipeline starts from the defaults, applies the optional YAML file at path
// and then PIPELINE_* env overrides. The result is validated.
func LoadPipeline(path string) (Pipeline, error) {
	p := DefaultPipeline()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Pipeline{}, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return Pipeline{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	p.ChunkSize = getEnvInt("PIPELINE_CHUNK_SIZE", p.ChunkSize)
	p.MinChunkSize = getEnvInt("PIPELINE_MIN_CHUNK_SIZE", p.MinChunkSize)
	p.LargeDocumentThreshold = getEnvInt("PIPELINE_LARGE_DOCUMENT_THRESHOLD", p.LargeDocumentThreshold)
	p.MaxPromptChars = getEnvInt("PIPELINE_MAX_PROMPT_CHARS", p.MaxPromptChars)
	p.BatchSize = getEnvInt("PIPELINE_BATCH_SIZE", p.BatchSize)
	p.MaxReduceLevel = getEnvInt("PIPELINE_MAX_REDUCE_LEVEL", p.MaxReduceLevel)
	p.RefineThreshold = getEnvInt("PIPELINE_REFINE_THRESHOLD", p.RefineThreshold)
	p.DownloadConcurrency = getEnvInt("PIPELINE_DOWNLOAD_CONCURRENCY", p.DownloadConcurrency)
	p.MapConcurrency = getEnvInt("PIPELINE_MAP_CONCURRENCY", p.MapConcurrency)
	p.ReduceConcurrency = getEnvInt("PIPELINE_REDUCE_CONCURRENCY", p.ReduceConcurrency)

	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// Validate enforces positive sizes and chunk < large-document threshold < max prompt.
func (p Pipeline) Validate() error {
	if p.ChunkSize <= 0 || p.MinChunkSize <= 0 || p.LargeDocumentThreshold <= 0 || p.MaxPromptChars <= 0 {
		return fmt.Errorf("pipeline sizes must be positive")
	}
	if p.MinChunkSize >= p.ChunkSize {
		return fmt.Errorf("min_chunk_size (%d) must be below chunk_size (%d)", p.MinChunkSize, p.ChunkSize)
	}
	if !(p.ChunkSize < p.LargeDocumentThreshold && p.LargeDocumentThreshold < p.MaxPromptChars) {
		return fmt.Errorf("expected chunk_size < large_document_threshold < max_prompt_chars, got %d, %d, %d",
			p.ChunkSize, p.LargeDocumentThreshold, p.MaxPromptChars)
	}
	if p.BatchSize < 2 {
		return fmt.Errorf("batch_size must be at least 2")
	}
	if p.MaxReduceLevel < 1 {
		return fmt.Errorf("max_reduce_level must be at least 1")
	}
	if p.RefineThreshold < 0 {
		return fmt.Errorf("refine_threshold must not be negative")
	}
	return nil
}
