package scans

import (
	"fmt"
	"strings"
)

// Tier is the trust level requested for a scan. The set is closed: code that
// branches on a tier must handle every constant and reject anything else.
type Tier string

const (
	// TierBasic checks the producer's signature only.
	TierBasic Tier = "basic"
	// TierVerified adds an outer signature recorded in the transparency log.
	TierVerified Tier = "verified"
)

// Tiers lists every known tier.
var Tiers = []Tier{TierBasic, TierVerified}

// ParseTier converts user input into a Tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierBasic, TierVerified:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
}

// UsesTransparencyLog reports whether the tier requires an outer signature.
func (t Tier) UsesTransparencyLog() (bool, error) {
	switch t {
	case TierBasic:
		return false, nil
	case TierVerified:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidTier, string(t))
	}
}
