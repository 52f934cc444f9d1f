package driver

// Tier is an engine configuration level. Higher tiers trade capability for
// stability after repeated protocol errors.
type Tier int

const (
	TierFull Tier = iota
	TierMinimal
	TierUltraMinimal
)

const (
	minimalAfter      = 1
	ultraMinimalAfter = 3
)

func (t Tier) String() string {
	switch t {
	case TierFull:
		return "full"
	case TierMinimal:
		return "minimal"
	case TierUltraMinimal:
		return "ultra_minimal"
	default:
		return "unknown"
	}
}

// ChooseDriverConfig selects the engine tier for the given protocol-error count.
func ChooseDriverConfig(protocolErrorCount int) Tier {
	switch {
	case protocolErrorCount >= ultraMinimalAfter:
		return TierUltraMinimal
	case protocolErrorCount >= minimalAfter:
		return TierMinimal
	default:
		return TierFull
	}
}
