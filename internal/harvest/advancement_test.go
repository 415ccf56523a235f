package harvest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvancementPolicyDecide(t *testing.T) {
	t.Parallel()

	pos := func(v int) *int { return &v }
	custom := AdvancementPolicy{AdvancingPlaces: map[int]int{4: 2}}

	tests := []struct {
		name     string
		policy   AdvancementPolicy
		marker   bool
		position *int
		size     int
		want     *bool
	}{
		{"marker wins", DefaultAdvancementPolicy(), true, pos(3), 4, boolPtr(true)},
		{"absent marker eliminated", DefaultAdvancementPolicy(), false, pos(3), 4, boolPtr(false)},
		{"unknown position", DefaultAdvancementPolicy(), false, nil, 4, nil},
		{"size rule advances", custom, false, pos(2), 4, boolPtr(true)},
		{"size rule eliminates", custom, false, pos(3), 4, boolPtr(false)},
		{"no rule for size", custom, false, pos(1), 2, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.policy.Decide(tc.marker, tc.position, tc.size))
		})
	}
}
