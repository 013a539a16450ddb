// Package config loads the cropbatch settings from an optional YAML
// file and CROPBATCH_* environment variables, with defaults matching
// the documented behavior.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cropbatch/pkg/types"
)

// Settings holds the full application configuration.
type Settings struct {
	Backend   Backend   `mapstructure:"backend"`
	Crop      Crop      `mapstructure:"crop"`
	Watermark Watermark `mapstructure:"watermark"`
	Output    Output    `mapstructure:"output"`
	Batch     Batch     `mapstructure:"batch"`
	Send      Send      `mapstructure:"send"`
}

// Backend selects and addresses the vision backend.
type Backend struct {
	Name  string `mapstructure:"name"` // ollama or llamacpp
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

// Crop holds the subject selection knobs.
type Crop struct {
	PaddingPercent      float64 `mapstructure:"padding_percent"`
	MultiSubjectRule    string  `mapstructure:"multi_subject_rule"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
}

// Watermark holds the exclusion zone knobs.
type Watermark struct {
	Mode                string  `mapstructure:"mode"` // manual, auto or disabled
	Percent             float64 `mapstructure:"percent"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	TemplatePath        string  `mapstructure:"template_path"`
}

// Output controls where and how crops are written.
type Output struct {
	Dir      string `mapstructure:"dir"`
	Format   string `mapstructure:"format"` // "original" keeps the source extension
	Quality  int    `mapstructure:"quality"`
	Lossless bool   `mapstructure:"lossless"`
	Suffix   string `mapstructure:"suffix"`
}

// Batch tunes the orchestrator.
type Batch struct {
	MaxWorkers          int `mapstructure:"max_workers"`
	PreviewEvery        int `mapstructure:"preview_every"`
	SelectionTimeoutSec int `mapstructure:"selection_timeout_sec"` // 0 waits forever
}

// Send controls how images are encoded for the model.
type Send struct {
	MaxDim  int    `mapstructure:"max_dim"`
	Format  string `mapstructure:"format"`
	Quality int    `mapstructure:"quality"`
}

// Default returns the settings used when nothing is configured.
func Default() *Settings {
	return &Settings{
		Backend: Backend{
			Name:  "ollama",
			URL:   "http://localhost:11434",
			Model: "openbmb/minicpm-v4.5",
		},
		Crop: Crop{
			PaddingPercent:      10,
			MultiSubjectRule:    string(types.RuleAsk),
			ConfidenceThreshold: 0.5,
		},
		Watermark: Watermark{
			Mode:                string(types.WatermarkManual),
			Percent:             0,
			ConfidenceThreshold: 0.35,
		},
		Output: Output{
			Dir:     "./output",
			Format:  "original",
			Quality: 95,
			Suffix:  "_cropped",
		},
		Batch: Batch{
			MaxWorkers:   4,
			PreviewEvery: 10,
		},
		Send: Send{
			MaxDim:  1024,
			Format:  "jpeg",
			Quality: 85,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("backend.name", d.Backend.Name)
	v.SetDefault("backend.url", d.Backend.URL)
	v.SetDefault("backend.model", d.Backend.Model)
	v.SetDefault("crop.padding_percent", d.Crop.PaddingPercent)
	v.SetDefault("crop.multi_subject_rule", d.Crop.MultiSubjectRule)
	v.SetDefault("crop.confidence_threshold", d.Crop.ConfidenceThreshold)
	v.SetDefault("watermark.mode", d.Watermark.Mode)
	v.SetDefault("watermark.percent", d.Watermark.Percent)
	v.SetDefault("watermark.confidence_threshold", d.Watermark.ConfidenceThreshold)
	v.SetDefault("watermark.template_path", d.Watermark.TemplatePath)
	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.quality", d.Output.Quality)
	v.SetDefault("output.lossless", d.Output.Lossless)
	v.SetDefault("output.suffix", d.Output.Suffix)
	v.SetDefault("batch.max_workers", d.Batch.MaxWorkers)
	v.SetDefault("batch.preview_every", d.Batch.PreviewEvery)
	v.SetDefault("batch.selection_timeout_sec", d.Batch.SelectionTimeoutSec)
	v.SetDefault("send.max_dim", d.Send.MaxDim)
	v.SetDefault("send.format", d.Send.Format)
	v.SetDefault("send.quality", d.Send.Quality)
}

// Load reads settings from the given file, or from cropbatch.yaml in
// the usual places when path is empty. CROPBATCH_* environment
// variables override file values (CROPBATCH_BACKEND_URL and so on); a
// missing file is fine, defaults apply.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CROPBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("cropbatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/cropbatch")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks every field against its allowed range.
func (s *Settings) Validate() error {
	switch s.Backend.Name {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("backend.name must be ollama or llamacpp, got %q", s.Backend.Name)
	}
	if s.Backend.URL == "" {
		return fmt.Errorf("backend.url must not be empty")
	}
	if s.Backend.Model == "" {
		return fmt.Errorf("backend.model must not be empty")
	}

	if err := s.Policy().Validate(); err != nil {
		return err
	}
	if s.Watermark.ConfidenceThreshold < 0 || s.Watermark.ConfidenceThreshold > 1 {
		return fmt.Errorf("watermark.confidence_threshold must be between 0 and 1, got %v", s.Watermark.ConfidenceThreshold)
	}

	switch s.Output.Format {
	case "original", "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.format must be original, jpg, jpeg, png or webp, got %q", s.Output.Format)
	}
	if s.Output.Quality < 1 || s.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100, got %d", s.Output.Quality)
	}
	if s.Output.Dir == "" {
		return fmt.Errorf("output.dir must not be empty")
	}

	if s.Batch.MaxWorkers < 1 {
		return fmt.Errorf("batch.max_workers must be at least 1, got %d", s.Batch.MaxWorkers)
	}
	if s.Batch.PreviewEvery < 1 {
		return fmt.Errorf("batch.preview_every must be at least 1, got %d", s.Batch.PreviewEvery)
	}
	if s.Batch.SelectionTimeoutSec < 0 {
		return fmt.Errorf("batch.selection_timeout_sec must not be negative, got %d", s.Batch.SelectionTimeoutSec)
	}

	if s.Send.MaxDim < 64 {
		return fmt.Errorf("send.max_dim must be at least 64, got %d", s.Send.MaxDim)
	}
	switch s.Send.Format {
	case "jpeg", "jpg", "png":
	default:
		return fmt.Errorf("send.format must be jpeg, jpg or png, got %q", s.Send.Format)
	}
	if s.Send.Quality < 1 || s.Send.Quality > 100 {
		return fmt.Errorf("send.quality must be between 1 and 100, got %d", s.Send.Quality)
	}
	return nil
}

// Policy maps the crop and watermark settings onto a CropPolicy.
func (s *Settings) Policy() types.CropPolicy {
	return types.CropPolicy{
		PaddingPercent:      s.Crop.PaddingPercent,
		MultiSubjectRule:    types.MultiSubjectRule(s.Crop.MultiSubjectRule),
		WatermarkMode:       types.WatermarkMode(s.Watermark.Mode),
		WatermarkPercent:    s.Watermark.Percent,
		ConfidenceThreshold: s.Crop.ConfidenceThreshold,
	}
}

// SelectionTimeout returns the ambiguity timeout as a duration.
func (s *Settings) SelectionTimeout() time.Duration {
	return time.Duration(s.Batch.SelectionTimeoutSec) * time.Second
}
