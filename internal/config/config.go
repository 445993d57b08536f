// Package config defines configuration parsing and helpers.
//
// Configuration is read from a YAML file, with the API credentials
// overridable from the environment and from command-line flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default locations probed when no --config-file flag is given.
var DefaultPaths = []string{
	"processing.yaml",
	"/etc/cacophony/processing.yaml",
}

// API URL aliases accepted by the --api flag.
var apiAliases = map[string]string{
	"prod": "https://api.cacophony.org.nz",
	"test": "https://api-test.cacophony.org.nz",
	"ir":   "https://api-ir.cacophony.org.nz",
}

// Config holds all worker-host configuration.
type Config struct {
	APIURL               string  `yaml:"api_url" validate:"required,url"`
	APIUser              string  `yaml:"api_user" validate:"required"`
	APIPassword          string  `yaml:"api_password" validate:"required"`
	TempDir              string  `yaml:"temp_dir"`
	NoRecordingsWaitSecs int     `yaml:"no_recordings_wait_secs" validate:"gte=0"`
	NoJobSleepSeconds    int     `yaml:"no_job_sleep_seconds" validate:"gte=0"`
	SubprocessTimeoutSecs int    `yaml:"subprocess_timeout" validate:"gt=0"`
	// RestartAfterHours, when positive, makes the dispatcher exit cleanly
	// once it has run that long; a supervisor restarts the process.
	RestartAfterHours float64 `yaml:"restart_after" validate:"gte=0"`

	Thermal  Thermal  `yaml:"thermal"`
	Audio    Audio    `yaml:"audio"`
	IR       IR       `yaml:"ir"`
	Trailcam Trailcam `yaml:"trailcam"`

	// MetricsPort serves Prometheus metrics; 0 disables the endpoint.
	MetricsPort int `yaml:"metrics_port"`
	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	AppEnv       string `yaml:"app_env"`
}

// Thermal configures the thermal (and IR) tracking/classification pipelines.
type Thermal struct {
	ClassifyImage        string  `yaml:"classify_image"`
	ClassifyCmd          string  `yaml:"classify_cmd"`
	TrackCmd             string  `yaml:"track_cmd"`
	WallabyDevices       []int64 `yaml:"wallaby_devices"`
	MasterTag            string  `yaml:"master_tag"`
	CacheClipsBiggerThan float64 `yaml:"cache_clips_bigger_than"`
	AnalyseWorkers       int     `yaml:"analyse_workers"`
	TrackingWorkers      int     `yaml:"tracking_workers"`
	DoRetrack            bool    `yaml:"do_retrack"`

	FilterFalsePositive        bool    `yaml:"filter_false_positive"`
	FalsePositiveMinConfidence float64 `yaml:"false_positive_min_confidence"`
	MaxTracks                  int     `yaml:"max_tracks"`

	Tagging Tagging `yaml:"tagging"`
}

// Tagging holds the prediction-grading thresholds.
type Tagging struct {
	MinConfidence          float64  `yaml:"min_confidence"`
	MinTagConfidence       float64  `yaml:"min_tag_confidence"`
	MaxTagNovelty          float64  `yaml:"max_tag_novelty"`
	MinTagClarity          float64  `yaml:"min_tag_clarity"`
	MinTagClaritySecondary float64  `yaml:"min_tag_clarity_secondary"`
	IgnoreTags             []string `yaml:"ignore_tags"`
}

// Audio configures the audio analysis and conversion pipelines.
type Audio struct {
	AnalysisCommand string `yaml:"analysis_command"`
	AnalysisTag     string `yaml:"analysis_tag"`
	AnalysisWorkers int    `yaml:"analysis_workers"`
	ConvertWorkers  int    `yaml:"convert_workers"`
}

// IR configures the infrared pipelines, which reuse the thermal commands.
type IR struct {
	TrackingWorkers int `yaml:"tracking_workers"`
	AnalyseWorkers  int `yaml:"analyse_workers"`
}

// Trailcam configures the trailcam image detector pipeline.
type Trailcam struct {
	RunCmd       string `yaml:"run_cmd"`
	TrailWorkers int    `yaml:"trail_workers"`
}

type envOverrides struct {
	APIUser     string `env:"API_USER"`
	APIPassword string `env:"API_PASSWORD"`
}

// Load parses the YAML file at path and applies env overrides and defaults.
// It does not validate the result; Validate is a separate step. When path
// is empty the default locations are probed.
func Load(path string) (*Config, error) {
	if path == "" {
		for _, p := range DefaultPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
		if path == "" {
			return nil, fmt.Errorf("op=config.Load: no configuration file found")
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.Load: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("op=config.Load: %w", err)
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("op=config.Load: %w", err)
	}
	if ov.APIUser != "" {
		cfg.APIUser = ov.APIUser
	}
	if ov.APIPassword != "" {
		cfg.APIPassword = ov.APIPassword
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.NoRecordingsWaitSecs == 0 {
		c.NoRecordingsWaitSecs = 30
	}
	if c.NoJobSleepSeconds == 0 {
		c.NoJobSleepSeconds = 30
	}
	if c.SubprocessTimeoutSecs == 0 {
		c.SubprocessTimeoutSecs = 1200
	}
	if c.Thermal.MasterTag == "" {
		c.Thermal.MasterTag = "Master"
	}
	if c.ServiceName == "" {
		c.ServiceName = "wildlife-processing"
	}
	if c.AppEnv == "" {
		c.AppEnv = "prod"
	}
}

// Validate checks the configuration after all overrides were applied.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("op=config.Validate: %w", err)
	}
	return nil
}

// ResolveAPIAlias maps the --api flag shortcuts onto service URLs; any
// other value is taken as an absolute URL.
func ResolveAPIAlias(api string) string {
	if url, ok := apiAliases[api]; ok {
		return url
	}
	return api
}

// SubprocessTimeout is the per-invocation classifier deadline.
func (c *Config) SubprocessTimeout() time.Duration {
	return time.Duration(c.SubprocessTimeoutSecs) * time.Second
}

// NoJobSleep is the per-processor back-off after an empty poll.
func (c *Config) NoJobSleep() time.Duration {
	return time.Duration(c.NoJobSleepSeconds) * time.Second
}

// NoRecordingsWait is the dispatcher's long sleep once every processor is
// idle and backing off.
func (c *Config) NoRecordingsWait() time.Duration {
	return time.Duration(c.NoRecordingsWaitSecs) * time.Second
}

// RestartAfter converts the configured hours to a duration; zero disables
// the self-restart.
func (c *Config) RestartAfter() time.Duration {
	return time.Duration(c.RestartAfterHours * float64(time.Hour))
}

// IsProd reports whether the worker runs in production mode.
func (c *Config) IsProd() bool { return c.AppEnv == "prod" }
