package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds fulltext configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Fulltext FulltextConfig `mapstructure:"fulltext" yaml:"fulltext"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Docker   DockerConfig   `mapstructure:"docker" yaml:"docker"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// FulltextConfig configures OCR orchestration.
type FulltextConfig struct {
	StorageRoot       string        `mapstructure:"storage_root" yaml:"storage_root"`
	PublicBaseURL     string        `mapstructure:"public_base_url" yaml:"public_base_url"`
	TempImagesDir     string        `mapstructure:"temp_images_dir" yaml:"temp_images_dir"`
	TempOutputDir     string        `mapstructure:"temp_output_dir" yaml:"temp_output_dir"`
	LockDir           string        `mapstructure:"lock_dir" yaml:"lock_dir"`
	JobTimeout        time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	PageDelay         time.Duration `mapstructure:"page_delay" yaml:"page_delay"`
	LockPollInterval  time.Duration `mapstructure:"lock_poll_interval" yaml:"lock_poll_interval"`
	PlaceholderText   string        `mapstructure:"placeholder_text" yaml:"placeholder_text"`
	PreDownloadImages bool          `mapstructure:"pre_download_images" yaml:"pre_download_images"`
	EnginesFile       string        `mapstructure:"engines_file" yaml:"engines_file"`
	DefaultEngine     string        `mapstructure:"default_engine" yaml:"default_engine"`
	ImageFileGroups   []string      `mapstructure:"image_file_groups" yaml:"image_file_groups"`
	FulltextGroups    []string      `mapstructure:"fulltext_file_groups" yaml:"fulltext_file_groups"`
	OutputFileGroup   string        `mapstructure:"output_file_group" yaml:"output_file_group"`
	SoftwarePrefix    string        `mapstructure:"software_prefix" yaml:"software_prefix"`
}

// DownloadConfig configures image and METS downloads.
type DownloadConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries uint          `mapstructure:"max_retries" yaml:"max_retries"`
	UserAgent  string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// DockerConfig configures containerized engines.
type DockerConfig struct {
	// Enabled allows engines with an image to run. Without it they fail to start.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Network is used by containers that fetch their image by URL.
	Network string `mapstructure:"network" yaml:"network"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
	// LocalRoots lists directories whose files API callers may name as
	// documents or images. Without any, only http(s) locators are accepted.
	LocalRoots []string `mapstructure:"local_roots" yaml:"local_roots"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// ErrInvalid is returned for configurations that cannot be used.
var ErrInvalid = errors.New("invalid config")

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	f := c.Fulltext
	var errs []error
	if f.StorageRoot == "" {
		errs = append(errs, errors.New("fulltext.storage_root is empty"))
	}
	if f.TempOutputDir == "" || f.TempImagesDir == "" || f.LockDir == "" {
		errs = append(errs, errors.New("temp and lock directories must be set"))
	}
	if f.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("fulltext.max_concurrent_jobs must be at least 1, got %d", f.MaxConcurrentJobs))
	}
	if f.JobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fulltext.job_timeout must be positive, got %s", f.JobTimeout))
	}
	if f.PageDelay < 0 {
		errs = append(errs, fmt.Errorf("fulltext.page_delay must not be negative, got %s", f.PageDelay))
	}
	if u, err := url.Parse(f.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("fulltext.public_base_url %q is not an absolute URL", f.PublicBaseURL))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Addr returns the server listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
