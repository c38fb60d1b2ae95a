package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/nexora/kit/secret"
)

// EnvPrefix prefixes environment overrides, e.g.
// NEXORA_RESILIENCE_RETRY_MAX_ATTEMPTS=5.
const EnvPrefix = "NEXORA"

// keyDelimiter replaces viper's "." so that dotted operation names such as
// payments.charge stay single keys.
const keyDelimiter = "::"

// ErrInvalidConfig wraps every load and validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Load reads, expands, decodes and validates the YAML file at path.
func Load(path string) (*Config, error) {
	// #nosec G304 -- the config path is chosen by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML content layered over Defaults and under
// NEXORA_* environment overrides. ${VAR} references must be set.
func Parse(data []byte) (*Config, error) {
	expanded, err := secret.ExpandEnvStrict(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	ops, instances := rawOperationNames(expanded)
	if err := errors.Join(append(
		checkOperationNames("resilience.operations", ops),
		checkOperationNames("circuit-breaker.instance-configs", instances)...,
	)...); err != nil {
		return nil, err
	}

	v := newViper()
	if err := v.MergeConfigMap(defaultSettings()); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	if strings.TrimSpace(expanded) != "" {
		if err := v.MergeConfig(strings.NewReader(expanded)); err != nil {
			return nil, fmt.Errorf("%w: parse yaml: %w", ErrInvalidConfig, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, decoderOptions); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefaults loads path, or returns validated Defaults when path is empty.
func LoadOrDefaults(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	return Load(path)
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func defaultSettings() map[string]any {
	m, _ := toMap(Defaults()).(map[string]any)
	return m
}

// decoderOptions keeps viper's weak typing and duration hooks and rejects
// unknown keys.
func decoderOptions(dc *mapstructure.DecoderConfig) {
	dc.TagName = "mapstructure"
	dc.ErrorUnused = true
	dc.DecodeHook = decodeHook()
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
