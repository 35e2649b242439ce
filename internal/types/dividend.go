package types

import "time"

// DividendState is the per-participant issuance memory carried between
// periods.
type DividendState struct {
	Participant  string     `json:"participant"`
	CurrentDU    float64    `json:"current_du"`
	LastIssuedAt *time.Time `json:"last_issued_at,omitempty"`
	// PendingAmount is the total of a period whose ladder has not finished
	// minting; PendingIssued lists the vouchers already minted for it.
	PendingAmount float64  `json:"pending_amount,omitempty"`
	PendingIssued []string `json:"pending_issued,omitempty"`
}

// SocialGraph summarizes the participant's network as seen locally.
type SocialGraph struct {
	Participant string
	// MutualLinks counts reciprocal first-degree connections.
	MutualLinks int
	// SecondDegree counts distinct contacts of mutual contacts, excluding
	// the participant and its first-degree links.
	SecondDegree int
}

// MarketStats are the market-wide signals the dividend formula consumes.
type MarketStats struct {
	MarketID string
	// Volume is the total value of active vouchers observed on the market.
	Volume float64
	// CurrentDU is the last issuance value per period; zero before the first.
	CurrentDU float64
}
