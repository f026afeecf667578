// Package config loads the node actor core's engine configuration
// from YAML, the same way the teacher's cluster layer would have
// loaded cluster config — without building the CLI/REST surface that
// would normally read it (out of scope, spec §1).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thatdot/streamgraph/pkg/types"
)

// EngineConfig is the tunable policy of a node actor core deployment.
type EngineConfig struct {
	EffectOrder       string        `yaml:"effect_order"`        // "persistor-first" | "memory-first"
	SnapshotOnUpdate  bool          `yaml:"snapshot_on_update"`   // snapshot after every effective write
	SnapshotSingleton bool          `yaml:"snapshot_singleton"`   // keep only the latest snapshot per node
	PersistorBackend  string        `yaml:"persistor_backend"`   // "bolt" | "raft" | "memory"
	DataDir           string        `yaml:"data_dir"`
	Retry             RetryConfig   `yaml:"retry"`
}

// RetryConfig parameterizes the MemoryFirst background persist retry
// loop (spec §4.3: "exponential backoff, cap 10s, jitter ±10%").
type RetryConfig struct {
	BaseMillis    int64   `yaml:"base_millis"`
	CapMillis     int64   `yaml:"cap_millis"`
	JitterPercent float64 `yaml:"jitter_percent"`
}

// Default returns the configuration the spec's defaults describe.
func Default() EngineConfig {
	return EngineConfig{
		EffectOrder:       "persistor-first",
		SnapshotOnUpdate:  true,
		SnapshotSingleton: true,
		PersistorBackend:  "bolt",
		DataDir:           "./data",
		Retry: RetryConfig{
			BaseMillis:    1,
			CapMillis:     10_000,
			JitterPercent: 10,
		},
	}
}

// Load reads and parses an EngineConfig from a YAML file at path,
// filling in defaults for any field the document omits.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	body, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ParsedEffectOrder validates and returns the configured effect order.
func (c EngineConfig) ParsedEffectOrder() (types.EffectOrder, error) {
	return types.ParseEffectOrder(c.EffectOrder)
}

// BaseDelay, CapDelay, and Jitter expose the retry tuning as durations
// / fractions ready for use by the MemoryFirst backoff loop.
func (r RetryConfig) BaseDelay() time.Duration { return time.Duration(r.BaseMillis) * time.Millisecond }
func (r RetryConfig) CapDelay() time.Duration  { return time.Duration(r.CapMillis) * time.Millisecond }
func (r RetryConfig) Jitter() float64          { return r.JitterPercent / 100 }
