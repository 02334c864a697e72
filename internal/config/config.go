// Package config loads the service configuration.
//
// Precedence, highest first: runtime overrides, AUDIOSHELF_* environment
// variables, the audioshelf.yaml config file, built-in defaults.
package config

import (
	"path/filepath"
	"time"

	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	DataDir string        `mapstructure:"data_dir"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Tools   ToolsConfig   `mapstructure:"tools"`
	Library LibraryConfig `mapstructure:"library"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the service logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// JobsConfig configures the job engine.
type JobsConfig struct {
	DBPath        string              `mapstructure:"db_path"`
	DBURL         string              `mapstructure:"db_url"`
	DBAuthToken   string              `mapstructure:"db_auth_token"`
	MaxConcurrent MaxConcurrentConfig `mapstructure:"max_concurrent"`
	ShutdownGrace time.Duration       `mapstructure:"shutdown_grace"`
	MetaInterval  time.Duration       `mapstructure:"meta_interval"`
	LogTail       int                 `mapstructure:"log_tail"`
}

// MaxConcurrentConfig is the admission capacity per task type. Zero or less
// means unbounded.
type MaxConcurrentConfig struct {
	Download int `mapstructure:"download"`
	Convert  int `mapstructure:"convert"`
	Sync     int `mapstructure:"sync"`
	Repair   int `mapstructure:"repair"`
}

// ToolsConfig names the external collaborator binaries.
type ToolsConfig struct {
	Audible        string `mapstructure:"audible"`
	AudibleProfile string `mapstructure:"audible_profile"`
	FFmpeg         string `mapstructure:"ffmpeg"`
	FFprobe        string `mapstructure:"ffprobe"`
}

// LibraryConfig locates the media library.
type LibraryConfig struct {
	Dir         string   `mapstructure:"dir"`
	DownloadDir string   `mapstructure:"download_dir"`
	Format      string   `mapstructure:"format"`
	Patterns    []string `mapstructure:"patterns"`
}

// Capacities returns the admission capacities keyed by task type.
func (c JobsConfig) Capacities() map[jobregistry.TaskType]int {
	return map[jobregistry.TaskType]int{
		jobregistry.TaskDownload: c.MaxConcurrent.Download,
		jobregistry.TaskConvert:  c.MaxConcurrent.Convert,
		jobregistry.TaskSync:     c.MaxConcurrent.Sync,
		jobregistry.TaskRepair:   c.MaxConcurrent.Repair,
	}
}

// StoreConfig returns the job store location. An empty db_path lives under
// data_dir.
func (c *Config) StoreConfig() jobregistry.Config {
	path := c.Jobs.DBPath
	if path == "" && c.Jobs.DBURL == "" {
		path = filepath.Join(c.DataDir, "jobs.db")
	}
	return jobregistry.Config{Path: path, URL: c.Jobs.DBURL, AuthToken: c.Jobs.DBAuthToken}
}

// JobLogDir is where per-job log files are written.
func (c *Config) JobLogDir() string { return filepath.Join(c.DataDir, "jobs") }

// CatalogPath is the library catalog snapshot.
func (c *Config) CatalogPath() string { return filepath.Join(c.DataDir, "catalog.json") }

// ReportDir holds repair reports.
func (c *Config) ReportDir() string { return filepath.Join(c.DataDir, "reports") }

// DownloadDir is where downloads land before conversion.
func (c *Config) DownloadDir() string {
	if c.Library.DownloadDir != "" {
		return c.Library.DownloadDir
	}
	return filepath.Join(c.DataDir, "downloads")
}

// LibraryDir is where converted titles are written.
func (c *Config) LibraryDir() string {
	if c.Library.Dir != "" {
		return c.Library.Dir
	}
	return filepath.Join(c.DataDir, "library")
}
