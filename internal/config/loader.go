package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the config file, the data dir and the binary.
	AppName = "audioshelf"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "AUDIOSHELF"

	// ConfigFileEnv points at an explicit config file.
	ConfigFileEnv = EnvPrefix + "_CONFIG"
)

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("data_dir", gfconfig.GetAppDataDir(AppName))

	v.SetDefault("jobs.db_path", "")
	v.SetDefault("jobs.db_url", "")
	v.SetDefault("jobs.db_auth_token", "")
	v.SetDefault("jobs.max_concurrent.download", 3)
	v.SetDefault("jobs.max_concurrent.convert", 2)
	v.SetDefault("jobs.max_concurrent.sync", 0)
	v.SetDefault("jobs.max_concurrent.repair", 0)
	v.SetDefault("jobs.shutdown_grace", "10s")
	v.SetDefault("jobs.meta_interval", "500ms")
	v.SetDefault("jobs.log_tail", 50)

	v.SetDefault("tools.audible", "audible")
	v.SetDefault("tools.audible_profile", "")
	v.SetDefault("tools.ffmpeg", "ffmpeg")
	v.SetDefault("tools.ffprobe", "ffprobe")

	v.SetDefault("library.dir", "")
	v.SetDefault("library.download_dir", "")
	v.SetDefault("library.format", "m4b")
	v.SetDefault("library.patterns", []string{"**/*.{m4b,m4a,mp3,aax,aaxc}"})
}

// Load builds the configuration and makes it the one GetConfig returns.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if explicit := strings.TrimSpace(os.Getenv(ConfigFileEnv)); explicit != "" {
		v.SetConfigFile(explicit)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		flat := map[string]any{}
		flatten("", o, flat)
		for k, val := range flat {
			v.Set(k, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir is required")
	}
	if c.Jobs.ShutdownGrace < 0 {
		problems = append(problems, "jobs.shutdown_grace must not be negative")
	}
	if c.Jobs.MetaInterval < 0 {
		problems = append(problems, "jobs.meta_interval must not be negative")
	}
	if c.Jobs.LogTail < 0 {
		problems = append(problems, "jobs.log_tail must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// getUserConfigPaths lists where audioshelf.yaml is looked up, in order.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, AppName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", AppName))
	}
	return paths
}

// getEnvSpecs lists the environment variables and the keys they set.
func getEnvSpecs() []EnvSpec {
	specs := []EnvSpec{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"DATA_DIR", "data_dir"},
		{"JOBS_DB", "jobs.db_path"},
		{"JOBS_DB_URL", "jobs.db_url"},
		{"JOBS_DB_AUTH_TOKEN", "jobs.db_auth_token"},
		{"MAX_DOWNLOADS", "jobs.max_concurrent.download"},
		{"MAX_CONVERSIONS", "jobs.max_concurrent.convert"},
		{"SHUTDOWN_GRACE", "jobs.shutdown_grace"},
		{"META_INTERVAL", "jobs.meta_interval"},
		{"AUDIBLE_BIN", "tools.audible"},
		{"AUDIBLE_PROFILE", "tools.audible_profile"},
		{"FFMPEG_BIN", "tools.ffmpeg"},
		{"FFPROBE_BIN", "tools.ffprobe"},
		{"LIBRARY_DIR", "library.dir"},
		{"DOWNLOAD_DIR", "library.download_dir"},
	}
	for i := range specs {
		specs[i].Name = EnvPrefix + "_" + specs[i].Name
	}
	return specs
}

// flatten turns nested override maps into dotted keys.
func flatten(prefix string, in map[string]any, out map[string]any) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := in[k].(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = in[k]
	}
}

