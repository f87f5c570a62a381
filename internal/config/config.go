package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NumClasses is fixed: road and not-road.
const NumClasses = 2

// Hyperparams are the training constants. They are not read from the config
// file and have no command line overrides.
type Hyperparams struct {
	Epochs       int
	BatchSize    int
	KeepProb     float64
	LearningRate float64
}

// DefaultHyperparams is the hyperparameter set used by cmd/roadseg.
var DefaultHyperparams = Hyperparams{
	Epochs:       50,
	BatchSize:    16,
	KeepProb:     0.5,
	LearningRate: 0.001,
}

// Validate checks the hyperparameters are usable by the training loop.
func (h Hyperparams) Validate() error {
	if h.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", h.Epochs)
	}
	if h.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", h.BatchSize)
	}
	if h.KeepProb <= 0 || h.KeepProb > 1 {
		return fmt.Errorf("keep_prob must be in (0, 1] (got %g)", h.KeepProb)
	}
	if h.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", h.LearningRate)
	}
	return nil
}

// Config captures the filesystem layout and seed for a run.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	RunsDir     string `yaml:"runs_dir"`
	Seed        int64  `yaml:"seed"`
	ImageHeight int    `yaml:"image_height"`
	ImageWidth  int    `yaml:"image_width"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataDir string
	RunsDir string
	Seed    int64
}

// Default returns the KITTI layout used when no config file is given.
func Default() *Config {
	return &Config{
		DataDir:     "./data",
		RunsDir:     "./runs",
		ImageHeight: 160,
		ImageWidth:  576,
	}
}

// Load reads and validates a Config from YAML. Keys missing from the file
// keep their Default values.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.RunsDir != "" {
		c.RunsDir = o.RunsDir
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.RunsDir == "" {
		return errors.New("runs_dir must be set")
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 {
		return fmt.Errorf("image size must be positive (got %dx%d)", c.ImageHeight, c.ImageWidth)
	}
	// Five 2x2 pools in the backbone.
	if c.ImageHeight%32 != 0 || c.ImageWidth%32 != 0 {
		return fmt.Errorf("image size must be a multiple of 32 (got %dx%d)", c.ImageHeight, c.ImageWidth)
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	return nil
}

// TrainingDir holds image_2/ and gt_image_2/.
func (c *Config) TrainingDir() string {
	return filepath.Join(c.DataDir, "data_road", "training")
}

// TestingDir holds the held-out images used for export.
func (c *Config) TestingDir() string {
	return filepath.Join(c.DataDir, "data_road", "testing", "image_2")
}

// BackboneDir holds manifest.yaml and variables/.
func (c *Config) BackboneDir() string {
	return filepath.Join(c.DataDir, "vgg")
}
