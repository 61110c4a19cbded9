// Package config loads the agent settings and the declared sources and units.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/namix-io/sync-engine/pkg/drift"
	"github.com/namix-io/sync-engine/pkg/health"
	"github.com/namix-io/sync-engine/pkg/reconciler"
	gosync "github.com/namix-io/sync-engine/pkg/sync"
)

const EnvPrefix = "SYNC_ENGINE"

const (
	PlatformMemory     = "memory"
	PlatformKubernetes = "kubernetes"

	RendererYAML      = "yaml"
	RendererKustomize = "kustomize"
)

const (
	KeyWorkers             = "workers"
	KeyDriftInterval       = "drift_interval"
	KeyHealthPollInterval  = "health_poll_interval"
	KeyHistoryLimit        = "history_limit"
	KeyWaveTimeout         = "wave_timeout"
	KeyDataDir             = "data_dir"
	KeyListenAddress       = "listen_address"
	KeyPlatform            = "platform"
	KeyKubeconfig          = "kubeconfig"
	KeyPrometheusAddress   = "prometheus_address"
	KeyDeclarations        = "declarations"
	KeyRenderer            = "renderer"
	KeyNormalizeKnownTypes = "normalize_known_types"
)

// Keys lists every setting, in the order flags are registered
var Keys = []string{
	KeyWorkers, KeyDriftInterval, KeyHealthPollInterval, KeyHistoryLimit, KeyWaveTimeout,
	KeyDataDir, KeyListenAddress, KeyPlatform, KeyKubeconfig, KeyPrometheusAddress,
	KeyDeclarations, KeyRenderer, KeyNormalizeKnownTypes,
}

// Settings configures the agent process
type Settings struct {
	Workers             int           `mapstructure:"workers"`
	DriftInterval       time.Duration `mapstructure:"drift_interval"`
	HealthPollInterval  time.Duration `mapstructure:"health_poll_interval"`
	HistoryLimit        int           `mapstructure:"history_limit"`
	WaveTimeout         time.Duration `mapstructure:"wave_timeout"`
	DataDir             string        `mapstructure:"data_dir"`
	ListenAddress       string        `mapstructure:"listen_address"`
	Platform            string        `mapstructure:"platform"`
	Kubeconfig          string        `mapstructure:"kubeconfig"`
	PrometheusAddress   string        `mapstructure:"prometheus_address"`
	Declarations        string        `mapstructure:"declarations"`
	Renderer            string        `mapstructure:"renderer"`
	NormalizeKnownTypes bool          `mapstructure:"normalize_known_types"`
}

// NewViper returns a viper instance with defaults set and SYNC_ENGINE_* environment overrides enabled
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyWorkers, 4)
	v.SetDefault(KeyDriftInterval, drift.DefaultInterval)
	v.SetDefault(KeyHealthPollInterval, health.DefaultPollInterval)
	v.SetDefault(KeyHistoryLimit, reconciler.DefaultHistoryLimit)
	v.SetDefault(KeyWaveTimeout, gosync.DefaultWaveTimeout)
	v.SetDefault(KeyDataDir, "")
	v.SetDefault(KeyListenAddress, ":8080")
	v.SetDefault(KeyPlatform, PlatformMemory)
	v.SetDefault(KeyKubeconfig, "")
	v.SetDefault(KeyPrometheusAddress, "")
	v.SetDefault(KeyDeclarations, "")
	v.SetDefault(KeyRenderer, RendererYAML)
	v.SetDefault(KeyNormalizeKnownTypes, true)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional settings file and returns validated settings
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Settings) Validate() error {
	var problems []string
	if s.Workers <= 0 {
		problems = append(problems, fmt.Sprintf("%s must be positive", KeyWorkers))
	}
	if s.HistoryLimit <= 0 {
		problems = append(problems, fmt.Sprintf("%s must be positive", KeyHistoryLimit))
	}
	for key, d := range map[string]time.Duration{
		KeyDriftInterval:      s.DriftInterval,
		KeyHealthPollInterval: s.HealthPollInterval,
		KeyWaveTimeout:        s.WaveTimeout,
	} {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", key))
		}
	}
	switch s.Platform {
	case PlatformMemory, PlatformKubernetes:
	default:
		problems = append(problems, fmt.Sprintf("unknown %s %q", KeyPlatform, s.Platform))
	}
	switch s.Renderer {
	case RendererYAML, RendererKustomize:
	default:
		problems = append(problems, fmt.Sprintf("unknown %s %q", KeyRenderer, s.Renderer))
	}
	if s.Declarations == "" {
		problems = append(problems, fmt.Sprintf("%s is required", KeyDeclarations))
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid settings: %s", strings.Join(problems, "; "))
}
