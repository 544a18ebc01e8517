package oracle

import "math/big"

// Round is one accepted price observation. Rounds are immutable once
// committed. RoundID is chosen by the reporters rather than assigned, and
// Timestamp is the observation time they asserted, not the commit time.
type Round struct {
	RoundID   uint64
	Price     *big.Int
	Timestamp uint64
}

// clone returns a copy that shares no memory with the receiver, so stored
// rounds can never be mutated through a returned value.
func (r Round) clone() Round {
	c := r
	if r.Price != nil {
		c.Price = new(big.Int).Set(r.Price)
	}
	return c
}
