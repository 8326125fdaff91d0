package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/strangeloopcanon/BCache/pagestate"
)

// Thresholds are the admission pre-filter floors. Requests scoring below
// either floor are deferred to the next window.
type Thresholds struct {
	PMin float64 `yaml:"pmin"`
	UMin float64 `yaml:"umin"`
}

// Popularity holds the score weights: score = alpha*popularity + beta*urgency.
type Popularity struct {
	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
}

// Flags are the feature toggles. Disabling a feature reduces the pipeline to
// a well-defined baseline; it never changes the behavior of other stages.
type Flags struct {
	PrefixFanout    bool `yaml:"prefix_fanout"`
	TenantCredits   bool `yaml:"tenant_credits"`
	Admission       bool `yaml:"admission"`
	Eviction        bool `yaml:"eviction"`
	Overlap         bool `yaml:"overlap"`
	EnforceTierCaps bool `yaml:"enforce_tier_caps"`
}

// TierSpec declares a tier's per-node capacity and transfer budget.
type TierSpec struct {
	CapacityBytes           int64 `yaml:"capacity_bytes"`
	BandwidthBytesPerWindow int64 `yaml:"bandwidth_bytes_per_window"`
}

// TenantSpec declares a tenant's token-bucket budget.
type TenantSpec struct {
	RefillBytesPerWindow int64 `yaml:"refill_bytes_per_window"`
	CapBytes             int64 `yaml:"cap_bytes"`
}

// ClusterConfig tunes the MinHash/LSH prefix clusterer.
type ClusterConfig struct {
	NumHashes int `yaml:"num_hashes"`
	Bands     int `yaml:"bands"`
	Shingle   int `yaml:"shingle"`
}

// OverlapConfig tunes prefetch overlap depth assignment and abort decisions.
type OverlapConfig struct {
	MaxDepth        int     `yaml:"max_depth"`
	TardinessFactor float64 `yaml:"tardiness_factor"`
}

// HeatConfig tunes the page-heat feedback loop.
type HeatConfig struct {
	DecayFactor    float64 `yaml:"decay_factor"`    // multiplied into all heat at each window boundary
	TouchBoost     float64 `yaml:"touch_boost"`     // added per page on execution feedback
	ReuseThreshold float64 `yaml:"reuse_threshold"` // heat above which a page is flagged for write-through
}

// Config carries every planner and simulator parameter. Loaded from YAML,
// overridden by CLI flags, validated fatally at startup.
type Config struct {
	WindowMS      int64 `yaml:"window_ms"`
	MinIOBytes    int64 `yaml:"min_io_bytes"`
	MaxIOBytes    int64 `yaml:"max_io_bytes"`
	MaxOpsPerTier int   `yaml:"max_ops_per_tier"`
	ChurnWindowMS int64 `yaml:"churn_window_ms"`

	StreamsPerNode int     `yaml:"streams_per_node"`
	BaseLatencyMS  float64 `yaml:"base_latency_ms"`

	Workers int `yaml:"workers"` // partition worker pool size; 0 = GOMAXPROCS

	Thresholds Thresholds    `yaml:"thresholds"`
	Popularity Popularity    `yaml:"popularity"`
	Flags      Flags         `yaml:"flags"`
	Cluster    ClusterConfig `yaml:"cluster"`
	Overlap    OverlapConfig `yaml:"overlap"`
	Heat       HeatConfig    `yaml:"heat"`

	// Tiers is keyed by tier name ("storage", "host", "gpu"); each spec
	// applies per node.
	Tiers map[string]TierSpec `yaml:"tiers"`

	// DefaultTenant applies to tenants without an explicit entry.
	DefaultTenant TenantSpec            `yaml:"default_tenant"`
	Tenants       map[string]TenantSpec `yaml:"tenants"`

	// LayerLatencyMS is the per-layer compute latency budget used for
	// overlap depth escalation. Index = layer; missing layers fall back to
	// the last entry.
	LayerLatencyMS []float64 `yaml:"layer_latency_ms"`
}

// DefaultConfig mirrors the shipped runtime defaults.
func DefaultConfig() *Config {
	return &Config{
		WindowMS:       20,
		MinIOBytes:     512 * 1024,
		MaxIOBytes:     16 * 1024 * 1024,
		MaxOpsPerTier:  64,
		ChurnWindowMS:  200,
		StreamsPerNode: 4,
		BaseLatencyMS:  0,
		Thresholds:     Thresholds{PMin: 0.05, UMin: 0.0},
		Popularity:     Popularity{Alpha: 1.0, Beta: 1.0},
		Flags: Flags{
			PrefixFanout:    true,
			TenantCredits:   true,
			Admission:       true,
			Eviction:        true,
			Overlap:         true,
			EnforceTierCaps: true,
		},
		Cluster: ClusterConfig{NumHashes: 32, Bands: 8, Shingle: 4},
		Overlap: OverlapConfig{MaxDepth: 3, TardinessFactor: 2.0},
		Heat:    HeatConfig{DecayFactor: 0.8, TouchBoost: 1.0, ReuseThreshold: 10.0},
		Tiers: map[string]TierSpec{
			"host": {CapacityBytes: 64 * 1024 * 1024, BandwidthBytesPerWindow: 64 * 1024 * 1024},
			"gpu":  {CapacityBytes: 16 * 1024 * 1024, BandwidthBytesPerWindow: 16 * 1024 * 1024},
		},
		DefaultTenant:  TenantSpec{RefillBytesPerWindow: 32 * 1024 * 1024, CapBytes: 32 * 1024 * 1024},
		LayerLatencyMS: []float64{5.0},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing path is
// not an error; the defaults stand.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects misconfigured deployments. Any error here is fatal at
// window start; these are not transient conditions.
func (c *Config) Validate() error {
	if c.WindowMS <= 0 {
		return fmt.Errorf("window_ms must be positive, got %d", c.WindowMS)
	}
	if c.MinIOBytes < 0 {
		return fmt.Errorf("min_io_bytes must be non-negative, got %d", c.MinIOBytes)
	}
	if c.MaxIOBytes < c.MinIOBytes {
		return fmt.Errorf("max_io_bytes (%d) below min_io_bytes (%d)", c.MaxIOBytes, c.MinIOBytes)
	}
	if c.MaxOpsPerTier <= 0 {
		return fmt.Errorf("max_ops_per_tier must be positive, got %d", c.MaxOpsPerTier)
	}
	if c.ChurnWindowMS < 0 {
		return fmt.Errorf("churn_window_ms must be non-negative, got %d", c.ChurnWindowMS)
	}
	if c.StreamsPerNode <= 0 {
		return fmt.Errorf("streams_per_node must be positive, got %d", c.StreamsPerNode)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	}
	if c.Cluster.NumHashes <= 0 || c.Cluster.Bands <= 0 {
		return fmt.Errorf("cluster num_hashes and bands must be positive, got %d/%d",
			c.Cluster.NumHashes, c.Cluster.Bands)
	}
	if c.Cluster.NumHashes%c.Cluster.Bands != 0 {
		return fmt.Errorf("cluster num_hashes (%d) must be divisible by bands (%d)",
			c.Cluster.NumHashes, c.Cluster.Bands)
	}
	if c.Cluster.Shingle <= 0 {
		return fmt.Errorf("cluster shingle must be positive, got %d", c.Cluster.Shingle)
	}
	if c.Overlap.MaxDepth < 0 {
		return fmt.Errorf("overlap max_depth must be non-negative, got %d", c.Overlap.MaxDepth)
	}
	if c.Overlap.TardinessFactor <= 0 {
		return fmt.Errorf("overlap tardiness_factor must be positive, got %f", c.Overlap.TardinessFactor)
	}
	if c.Heat.DecayFactor < 0 || c.Heat.DecayFactor > 1 {
		return fmt.Errorf("heat decay_factor must be in [0,1], got %f", c.Heat.DecayFactor)
	}
	for name, spec := range c.Tiers {
		if _, err := pagestate.ParseTier(name); err != nil {
			return err
		}
		if spec.CapacityBytes < 0 || spec.BandwidthBytesPerWindow < 0 {
			return fmt.Errorf("tier %s: negative capacity or bandwidth", name)
		}
	}
	if c.DefaultTenant.CapBytes < 0 || c.DefaultTenant.RefillBytesPerWindow < 0 {
		return fmt.Errorf("default_tenant: negative refill or cap")
	}
	for name, spec := range c.Tenants {
		if spec.CapBytes < 0 || spec.RefillBytesPerWindow < 0 {
			return fmt.Errorf("tenant %s: negative refill or cap", name)
		}
	}
	return nil
}

// TierSpec returns the configured spec for a tier, zero-valued if absent.
func (c *Config) TierSpec(t pagestate.Tier) TierSpec {
	return c.Tiers[t.String()]
}

// TenantSpec resolves a tenant's budget, falling back to the default.
func (c *Config) TenantSpec(tenant string) TenantSpec {
	if spec, ok := c.Tenants[tenant]; ok {
		return spec
	}
	return c.DefaultTenant
}

// LayerLatency returns the compute latency budget for a layer.
func (c *Config) LayerLatency(layer int) float64 {
	if len(c.LayerLatencyMS) == 0 {
		return 1.0
	}
	if layer >= 0 && layer < len(c.LayerLatencyMS) {
		return c.LayerLatencyMS[layer]
	}
	return c.LayerLatencyMS[len(c.LayerLatencyMS)-1]
}
