package failover

// Tier partitions the endpoint pool by entitlement.
type Tier int

const (
	// TierAny disables tier filtering during selection.
	TierAny Tier = iota
	TierFree
	TierPrivileged
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierPrivileged:
		return "privileged"
	default:
		return "any"
	}
}

// Endpoint is a candidate tunnel server. Address is the identity used
// for attempt deduplication.
type Endpoint struct {
	Address string `json:"address" yaml:"address"`
	Name    string `json:"name" yaml:"name"`
	Country string `json:"country" yaml:"country"`
	Load    int    `json:"load" yaml:"load"`
	Running bool   `json:"running" yaml:"running"`
	Tier    Tier   `json:"tier" yaml:"tier"`
}

// SelectBest returns the running, untried endpoint with the lowest load.
// When tier is not TierAny only endpoints in that tier are considered.
// Ties go to the earlier pool position, so selection is deterministic.
func SelectBest(pool []Endpoint, tried map[string]bool, tier Tier) (Endpoint, bool) {
	var best Endpoint
	found := false
	for _, ep := range pool {
		if !ep.Running || tried[ep.Address] {
			continue
		}
		if tier != TierAny && ep.Tier != tier {
			continue
		}
		if !found || ep.Load < best.Load {
			best = ep
			found = true
		}
	}
	return best, found
}
