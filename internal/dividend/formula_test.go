package dividend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vultisig/bonserver/internal/types"
)

func TestComputeIssuance(t *testing.T) {
	p := DefaultParams()
	testCases := []struct {
		name     string
		graph    types.SocialGraph
		stats    types.MarketStats
		expected Issuance
	}{
		{
			name:     "below link threshold",
			graph:    types.SocialGraph{MutualLinks: 4, SecondDegree: 100},
			stats:    types.MarketStats{Volume: 1000, CurrentDU: 10},
			expected: Issuance{},
		},
		{
			name:     "first period uses initial value",
			graph:    types.SocialGraph{MutualLinks: 5},
			stats:    types.MarketStats{Volume: 1000},
			expected: Issuance{Eligible: true, Amount: 10},
		},
		{
			name:     "growth from volume",
			graph:    types.SocialGraph{MutualLinks: 5},
			stats:    types.MarketStats{Volume: 1000, CurrentDU: 10},
			expected: Issuance{Eligible: true, Amount: 10.48},
		},
		{
			name:     "second degree widens population",
			graph:    types.SocialGraph{MutualLinks: 5, SecondDegree: 50},
			stats:    types.MarketStats{Volume: 1000, CurrentDU: 10},
			expected: Issuance{Eligible: true, Amount: 10.24},
		},
		{
			name:     "growth capped at five percent",
			graph:    types.SocialGraph{MutualLinks: 5},
			stats:    types.MarketStats{Volume: 100000, CurrentDU: 10},
			expected: Issuance{Eligible: true, Amount: 10.5},
		},
		{
			name:     "no volume keeps value",
			graph:    types.SocialGraph{MutualLinks: 8},
			stats:    types.MarketStats{CurrentDU: 12.5},
			expected: Issuance{Eligible: true, Amount: 12.5},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ComputeIssuance(p, tc.graph, tc.stats))
		})
	}
}

func TestDenominate(t *testing.T) {
	testCases := []struct {
		name     string
		total    float64
		expected []float64
	}{
		{name: "ladder", total: 73, expected: []float64{50, 20, 2, 1}},
		{name: "every rung with remainder", total: 88.75, expected: []float64{50, 20, 10, 5, 2, 1, 0.75}},
		{name: "dust dropped", total: 1.1, expected: []float64{1}},
		{name: "dust only", total: 0.05, expected: nil},
		{name: "zero", total: 0, expected: nil},
		{name: "negative", total: -5, expected: nil},
		{name: "sub unit above dust", total: 0.5, expected: []float64{0.5}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Denominate(tc.total))
		})
	}
}

func TestDenominateSumsExactly(t *testing.T) {
	sum := 0.0
	for _, v := range Denominate(73) {
		sum += v
	}
	assert.Equal(t, 73.0, sum)
}

func TestBuildGraph(t *testing.T) {
	contacts := []types.Contact{
		{PublicKey: "a", Mutual: true, FollowsCount: 4},
		{PublicKey: "b", Mutual: true, FollowsCount: 1},
		{PublicKey: "c", Mutual: false, FollowsCount: 30},
		{PublicKey: "me", Mutual: true, FollowsCount: 9},
	}
	g := BuildGraph("me", contacts)
	assert.Equal(t, "me", g.Participant)
	assert.Equal(t, 2, g.MutualLinks)
	assert.Equal(t, 3, g.SecondDegree)
}
