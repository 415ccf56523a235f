package harvest

// AdvancementPolicy turns heat markers into the advanced flag. The source
// marks advancing surfers with a class; elimination by position is not
// uniform across heat sizes, so the fallback rules are configuration.
type AdvancementPolicy struct {
	// AdvancingPlaces maps a heat size to the number of places that advance.
	// Consulted only when the advance marker is absent.
	AdvancingPlaces map[int]int
	// AbsentMarkerEliminated treats a missing marker as elimination once the
	// surfer's position is known.
	AbsentMarkerEliminated bool
}

// DefaultAdvancementPolicy trusts the marker and reads its absence as elimination.
func DefaultAdvancementPolicy() AdvancementPolicy {
	return AdvancementPolicy{AbsentMarkerEliminated: true}
}

// Decide returns the advanced flag, or nil when it cannot be determined.
func (p AdvancementPolicy) Decide(marker bool, position *int, heatSize int) *bool {
	if marker {
		return boolPtr(true)
	}
	if position == nil {
		return nil
	}
	if places, ok := p.AdvancingPlaces[heatSize]; ok && places > 0 {
		return boolPtr(*position <= places)
	}
	if p.AbsentMarkerEliminated {
		return boolPtr(false)
	}
	return nil
}

func boolPtr(v bool) *bool {
	return &v
}
