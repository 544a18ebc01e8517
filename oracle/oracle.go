// Package oracle implements acceptance of threshold-signed price rounds: a
// quorum of authorized reporters co-signs (roundID, price, timestamp) and
// the oracle verifies every signature, enforces strict ascending signer
// order, staleness and deviation bounds, and only then commits the round.
//
// Control flow fails closed. All validation happens before the single
// mutation, so a rejected submission leaves no partial state behind.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

// Report is one candidate round submission: the values the reporters signed
// plus their signatures in the order supplied by the caller.
type Report struct {
	RoundID    uint64
	Price      *big.Int
	Timestamp  uint64
	Signatures []Signature
}

type Opts struct {
	Logger logger.Logger

	// ChainID and OracleAddress are the domain-separation identity baked
	// into every report digest.
	ChainID       uint64
	OracleAddress common.Address

	// Reporters and Quorum seed the registry.
	Reporters []common.Address
	Quorum    int

	Params Params

	// Store defaults to an in-memory store when nil.
	Store RoundStore

	// EventCh, when set, receives a notification after every successful
	// mutation. Sends never block; when the channel is full the event is
	// dropped.
	EventCh chan<- Event

	// Now is the clock used by the staleness check. Defaults to time.Now.
	Now func() time.Time
}

// Oracle verifies and commits threshold-signed price rounds.
//
// Submissions are fully serialized: the validation reads and the commit of
// two calls never interleave. Queries are served from a lock-free snapshot
// of the latest accepted round.
type Oracle struct {
	lggr     logger.Logger
	chainID  uint64
	addr     common.Address
	registry *Registry
	store    RoundStore
	eventCh  chan<- Event
	now      func() time.Time

	paramsMu sync.RWMutex
	params   Params

	submitMu sync.Mutex
	latest   atomic.Pointer[Round]
}

// New constructs an Oracle and seeds the latest-round snapshot from the
// store, so a restart resumes deviation checking from the last committed
// round.
func New(ctx context.Context, opts Opts) (*Oracle, error) {
	registry, err := NewRegistry(opts.Quorum, opts.Reporters)
	if err != nil {
		return nil, err
	}
	lggr := opts.Logger
	if lggr == nil {
		lggr = logger.Nop()
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	o := &Oracle{
		lggr:     logger.Sugared(lggr).Named("Oracle"),
		chainID:  opts.ChainID,
		addr:     opts.OracleAddress,
		registry: registry,
		store:    store,
		eventCh:  opts.EventCh,
		now:      now,
		params:   opts.Params,
	}
	latest, err := store.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest round: %w", err)
	}
	if latest != nil {
		o.latest.Store(latest)
	}
	return o, nil
}

// SubmitReport runs the acceptance protocol over rep and commits the round
// when every check passes. Any caller may submit; submitter identifies the
// caller in the acceptance event and is not authenticated. On failure the
// oracle state is unchanged and the returned error wraps exactly one of the
// Err sentinels.
func (o *Oracle) SubmitReport(ctx context.Context, rep Report, submitter string) error {
	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	params := o.Params()

	if rep.Price == nil || rep.Price.Sign() <= 0 {
		return ErrZeroPrice
	}
	now := uint64(o.now().Unix())
	if rep.Timestamp > now {
		return fmt.Errorf("%w: timestamp %d is %ds in the future", ErrInvalidTimestamp, rep.Timestamp, rep.Timestamp-now)
	}
	if now-rep.Timestamp > params.MaxStalenessSeconds {
		return fmt.Errorf("%w: timestamp %d is %ds old, max staleness is %ds", ErrInvalidTimestamp, rep.Timestamp, now-rep.Timestamp, params.MaxStalenessSeconds)
	}

	digest := ReportDigest(o.chainID, o.addr, rep.RoundID, rep.Price, rep.Timestamp)

	// Strict ascending order over recovered addresses rejects duplicates
	// and disorder in one pass; the zero address is the initial sentinel.
	var prevSigner common.Address
	for i, sig := range rep.Signatures {
		signer, err := sig.RecoverSigner(digest)
		if err != nil {
			return fmt.Errorf("signature %d: %w", i, err)
		}
		if !o.registry.IsReporter(signer) {
			return fmt.Errorf("%w: signature %d recovered %s", ErrUnauthorizedSigner, i, signer)
		}
		if signer.Cmp(prevSigner) <= 0 {
			return fmt.Errorf("%w: signature %d from %s does not sort above %s", ErrDuplicateOrUnorderedSignature, i, signer, prevSigner)
		}
		prevSigner = signer
	}
	if quorum := o.registry.Quorum(); len(rep.Signatures) < quorum {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientSignatures, len(rep.Signatures), quorum)
	}

	// Deviation is checked against the latest committed round and skipped
	// entirely for the first round ever accepted.
	var deviationPPB *big.Int
	if prev := o.latest.Load(); prev != nil {
		deviationPPB = DeviationPPB(prev.Price, rep.Price)
		if deviationPPB.Cmp(new(big.Int).SetUint64(params.MaxDeviationPPB)) > 0 {
			return fmt.Errorf("%w: price moved %s ppb from round %d, max allowed is %d", ErrDeviationExceeded, deviationPPB, prev.RoundID, params.MaxDeviationPPB)
		}
	}

	round := Round{RoundID: rep.RoundID, Price: new(big.Int).Set(rep.Price), Timestamp: rep.Timestamp}
	if err := o.store.Commit(ctx, round); err != nil {
		return fmt.Errorf("failed to commit round %d: %w", rep.RoundID, err)
	}
	snap := round.clone()
	o.latest.Store(&snap)

	lf := []interface{}{
		"roundID", round.RoundID,
		"price", round.Price,
		"timestamp", round.Timestamp,
		"signatures", len(rep.Signatures),
		"submitter", submitter,
	}
	if deviationPPB != nil {
		lf = append(lf, "deviation", decimal.NewFromBigInt(deviationPPB, -9))
	}
	o.lggr.Infow("Accepted round", lf...)

	o.emit(RoundAccepted{
		RoundID:   round.RoundID,
		Price:     new(big.Int).Set(round.Price),
		Timestamp: round.Timestamp,
		Submitter: submitter,
	})
	return nil
}

// LatestPrice returns the latest accepted round. ok is false until the
// first round is accepted.
func (o *Oracle) LatestPrice() (latest Round, ok bool) {
	r := o.latest.Load()
	if r == nil {
		return Round{}, false
	}
	return r.clone(), true
}

// GetRound returns the stored round for roundID, or nil when absent.
func (o *Oracle) GetRound(ctx context.Context, roundID uint64) (*Round, error) {
	return o.store.Get(ctx, roundID)
}

func (o *Oracle) Reporters() []common.Address { return o.registry.Reporters() }

func (o *Oracle) IsReporter(addr common.Address) bool { return o.registry.IsReporter(addr) }

func (o *Oracle) Quorum() int { return o.registry.Quorum() }

func (o *Oracle) ChainID() uint64 { return o.chainID }

func (o *Oracle) OracleAddress() common.Address { return o.addr }

// Params returns the current acceptance thresholds.
func (o *Oracle) Params() Params {
	o.paramsMu.RLock()
	defer o.paramsMu.RUnlock()
	return o.params
}

// AddReporter authorizes addr to co-sign future rounds.
func (o *Oracle) AddReporter(addr common.Address) error {
	if err := o.registry.Add(addr); err != nil {
		return err
	}
	o.lggr.Infow("Reporter added", "address", addr)
	o.emit(ReporterAdded{Address: addr})
	return nil
}

// RemoveReporter deauthorizes addr. Rounds accepted while addr was
// authorized remain committed.
func (o *Oracle) RemoveReporter(addr common.Address) error {
	if err := o.registry.Remove(addr); err != nil {
		return err
	}
	o.lggr.Infow("Reporter removed", "address", addr)
	o.warnIfQuorumUnreachable()
	o.emit(ReporterRemoved{Address: addr})
	return nil
}

// SetQuorum updates the signature threshold. The quorum is not checked
// against the current reporter count; that is the administrator's call.
func (o *Oracle) SetQuorum(quorum int) error {
	if err := o.registry.SetQuorum(quorum); err != nil {
		return err
	}
	o.lggr.Infow("Quorum updated", "quorum", quorum)
	o.warnIfQuorumUnreachable()
	o.emit(QuorumUpdated{Quorum: quorum})
	return nil
}

func (o *Oracle) SetMaxStaleness(seconds uint64) {
	o.paramsMu.Lock()
	o.params.MaxStalenessSeconds = seconds
	o.paramsMu.Unlock()
	o.lggr.Infow("Max staleness updated", "maxStalenessSeconds", seconds)
	o.emit(MaxStalenessUpdated{MaxStalenessSeconds: seconds})
}

func (o *Oracle) SetMaxDeviationPPB(ppb uint64) {
	o.paramsMu.Lock()
	o.params.MaxDeviationPPB = ppb
	o.paramsMu.Unlock()
	o.lggr.Infow("Max deviation updated", "maxDeviationPPB", ppb)
	o.emit(MaxDeviationUpdated{MaxDeviationPPB: ppb})
}

func (o *Oracle) warnIfQuorumUnreachable() {
	if quorum, n := o.registry.Quorum(), o.registry.Count(); quorum > n {
		o.lggr.Warnw("Quorum exceeds reporter count, no submission can currently succeed", "quorum", quorum, "reporters", n)
	}
}

// emit delivers ev without blocking the submission path.
func (o *Oracle) emit(ev Event) {
	if o.eventCh == nil {
		return
	}
	select {
	case o.eventCh <- ev:
	default:
		o.lggr.Warnw("Event channel is full, dropping event", "event", ev.EventName())
	}
}
