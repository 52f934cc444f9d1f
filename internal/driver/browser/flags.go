package browser

import (
	"github.com/go-rod/rod/lib/launcher/flags"

	"github.com/ashureev/wa-gateway/internal/driver"
)

// Switch is one Chromium command-line switch.
type Switch struct {
	Flag  flags.Flag
	Value string
}

var (
	minimalSwitches = []Switch{
		{Flag: "disable-gpu"},
		{Flag: "disable-extensions"},
		{Flag: "no-zygote"},
		{Flag: "disable-background-networking"},
		{Flag: "disable-sync"},
	}
	ultraMinimalSwitches = []Switch{
		{Flag: "single-process"},
		{Flag: "disable-dev-shm-usage"},
		{Flag: "disable-features", Value: "Translate,BackForwardCache,MediaRouter"},
		{Flag: "js-flags", Value: "--max-old-space-size=256"},
		{Flag: "blink-settings", Value: "imagesEnabled=false"},
	}
)

// Switches returns the Chromium switches of a tier. Each tier includes the
// switches of the tiers below it.
func Switches(tier driver.Tier) []Switch {
	var out []Switch
	switch tier {
	case driver.TierUltraMinimal:
		out = append(out, minimalSwitches...)
		out = append(out, ultraMinimalSwitches...)
	case driver.TierMinimal:
		out = append(out, minimalSwitches...)
	}
	return out
}
