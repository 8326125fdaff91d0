package pagestate

import "fmt"

// Tier identifies a storage or memory level a cache page can live in.
// Ordering matters: higher values are closer to the accelerator.
type Tier int

const (
	TierStorage Tier = iota
	TierHost
	TierGPU
)

func (t Tier) String() string {
	switch t {
	case TierStorage:
		return "storage"
	case TierHost:
		return "host"
	case TierGPU:
		return "gpu"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier converts a tier name to a Tier value.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "storage":
		return TierStorage, nil
	case "host", "cpu":
		return TierHost, nil
	case "gpu":
		return TierGPU, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// Tiers lists all tiers in ascending order.
var Tiers = []Tier{TierStorage, TierHost, TierGPU}
