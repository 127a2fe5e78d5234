package domain

import (
	"fmt"
	"time"
)

// Limits on create-time parameters.
const (
	MinFanout = 2
	MaxFanout = 64
	MaxPfxLen = 32
	MaxSfxLen = 32
)

// Default tree parameters.
const (
	DefaultFanout      = 16
	DefaultRootMaxSize = 4 << 30  // 4GiB
	DefaultLeafMaxSize = 16 << 30 // 16GiB
)

// CreateParams are the immutable parameters fixed at tree creation.
type CreateParams struct {
	// Fanout is the number of leaves a root spill partitions into.
	Fanout int `koanf:"fanout"`

	// PfxLen is the key prefix length used for key-to-node routing.
	// Zero means route by whole key.
	PfxLen int `koanf:"pfx_len"`

	// SfxLen is the key suffix length excluded from routing.
	SfxLen int `koanf:"sfx_len"`

	// RootMaxSize is the root node size threshold in bytes.
	RootMaxSize uint64 `koanf:"root_max_size"`

	// LeafMaxSize is the leaf node size threshold in bytes.
	LeafMaxSize uint64 `koanf:"leaf_max_size"`

	// Capped marks the tree append-mostly with time-bounded retention.
	Capped bool `koanf:"capped"`

	// CappedTTL is the retention window for capped trees.
	CappedTTL time.Duration `koanf:"capped_ttl"`
}

// DefaultCreateParams returns the default create-time parameters.
func DefaultCreateParams() CreateParams {
	return CreateParams{
		Fanout:      DefaultFanout,
		RootMaxSize: DefaultRootMaxSize,
		LeafMaxSize: DefaultLeafMaxSize,
	}
}

// Validate checks the parameters against their limits.
func (p CreateParams) Validate() error {
	if p.Fanout < MinFanout || p.Fanout > MaxFanout {
		return ErrInvalidConfig.WithDetails(fmt.Sprintf("fanout %d out of range [%d,%d]", p.Fanout, MinFanout, MaxFanout))
	}
	if p.PfxLen < 0 || p.PfxLen > MaxPfxLen {
		return ErrInvalidConfig.WithDetails(fmt.Sprintf("prefix length %d out of range [0,%d]", p.PfxLen, MaxPfxLen))
	}
	if p.SfxLen < 0 || p.SfxLen > MaxSfxLen {
		return ErrInvalidConfig.WithDetails(fmt.Sprintf("suffix length %d out of range [0,%d]", p.SfxLen, MaxSfxLen))
	}
	if p.RootMaxSize == 0 || p.LeafMaxSize == 0 {
		return ErrInvalidConfig.WithDetails("size thresholds must be non-zero")
	}
	if p.Capped && p.CappedTTL <= 0 {
		return ErrInvalidConfig.WithDetails("capped tree requires a positive ttl")
	}
	return nil
}

// RuntimeParams are live-tunable parameters. The tree reads them through an
// atomic pointer so a configuration reload never blocks compaction workers.
type RuntimeParams struct {
	// SplitSizePct is the percentage of the leaf size threshold at which
	// the scheduler should prefer a split over a kv-compact.
	SplitSizePct int `koanf:"split_size_pct"`

	// Spill seed-boost policy: a spill output that becomes the first kvset
	// in an empty destination gets its compaction count boosted when it is
	// large enough, deferring rewrites of monotonic-load regions.
	SpillSeedKblks int    `koanf:"spill_seed_kblks"`
	SpillSeedVblks int    `koanf:"spill_seed_vblks"`
	SpillSeedBoost uint32 `koanf:"spill_seed_boost"`

	// TrimBurst bounds how many trimmer passes may run back to back on a
	// capped tree.
	TrimBurst int `koanf:"trim_burst"`
}

// DefaultRuntimeParams returns the default runtime parameters.
func DefaultRuntimeParams() RuntimeParams {
	return RuntimeParams{
		SplitSizePct:   100,
		SpillSeedKblks: 2,
		SpillSeedVblks: 32,
		SpillSeedBoost: 7,
		TrimBurst:      1,
	}
}
