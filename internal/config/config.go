// Package config loads muleguard configuration from defaults, an optional YAML
// file and MULEGUARD_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/muleguard/internal/domain"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore, e.g. MULEGUARD_DETECTION__FAN_THRESHOLD=12.
const EnvPrefix = "MULEGUARD_"

// DefaultPath is used when MULEGUARD_CONFIG is not set.
const DefaultPath = "configs/muleguard.yaml"

// ErrInvalid is returned when a loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Load builds the configuration. MULEGUARD_TIER=pro selects the pro defaults.
// A missing config file is not an error.
func Load() (*domain.Config, error) {
	path := os.Getenv(EnvPrefix + "CONFIG")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile builds the configuration using the given YAML file.
func LoadFile(path string) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"TIER"), string(domain.TierPro)) {
		defaults = domain.ProConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if os.Getenv(EnvPrefix+"DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks settings the engine cannot run without.
func Validate(cfg *domain.Config) error {
	d := cfg.Detection
	var problems []string

	if d.MinCycleLength < 2 || d.MaxCycleLength < d.MinCycleLength {
		problems = append(problems, fmt.Sprintf("cycle length bounds [%d,%d]", d.MinCycleLength, d.MaxCycleLength))
	}
	if d.PassThroughPairing != domain.PairingAggregate && d.PassThroughPairing != domain.PairingPairwise {
		problems = append(problems, fmt.Sprintf("pass_through_pairing %q", d.PassThroughPairing))
	}
	if d.RingScorePolicy != domain.RingScoreMean && d.RingScorePolicy != domain.RingScoreMax {
		problems = append(problems, fmt.Sprintf("ring_score_policy %q", d.RingScorePolicy))
	}
	if d.MaxScore <= 0 || d.MaxScore > 100 {
		problems = append(problems, fmt.Sprintf("max_score %d outside (0,100]", d.MaxScore))
	}
	if d.MinRingSize < 1 {
		problems = append(problems, "min_ring_size must be at least 1")
	}
	if cfg.Tier != domain.TierCommunity && cfg.Tier != domain.TierPro {
		problems = append(problems, fmt.Sprintf("tier %q", cfg.Tier))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
