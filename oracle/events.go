package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a notification emitted after a successful state mutation. Each
// mutating operation has exactly one concrete event type; EventName
// identifies it on the wire.
type Event interface {
	EventName() string
}

type RoundAccepted struct {
	RoundID   uint64   `json:"roundId"`
	Price     *big.Int `json:"price"`
	Timestamp uint64   `json:"timestamp"`
	// Submitter is the self-identified caller that delivered the report.
	// It is not authenticated and carries no authority.
	Submitter string `json:"submitter"`
}

func (RoundAccepted) EventName() string { return "round_accepted" }

type ReporterAdded struct {
	Address common.Address `json:"address"`
}

func (ReporterAdded) EventName() string { return "reporter_added" }

type ReporterRemoved struct {
	Address common.Address `json:"address"`
}

func (ReporterRemoved) EventName() string { return "reporter_removed" }

type QuorumUpdated struct {
	Quorum int `json:"quorum"`
}

func (QuorumUpdated) EventName() string { return "quorum_updated" }

type MaxStalenessUpdated struct {
	MaxStalenessSeconds uint64 `json:"maxStalenessSeconds"`
}

func (MaxStalenessUpdated) EventName() string { return "max_staleness_updated" }

type MaxDeviationUpdated struct {
	MaxDeviationPPB uint64 `json:"maxDeviationPPB"`
}

func (MaxDeviationUpdated) EventName() string { return "max_deviation_updated" }
