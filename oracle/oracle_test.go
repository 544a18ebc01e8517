package oracle

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"
)

const testChainID uint64 = 1337

var (
	testOracleAddr = common.HexToAddress("0x3e5e9111ae8eb78fe1cc3bb8915d5d461f3ef9a9")
	testNow        = time.Unix(1756080000, 0)
)

type testKey struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// newTestKeys returns n deterministic keys sorted by ascending address so
// tests can index them in signer order.
func newTestKeys(t testing.TB, n int) []testKey {
	keys := make([]testKey, n)
	for i := range keys {
		key, err := crypto.HexToECDSA(fmt.Sprintf("%064x", i+1))
		require.NoError(t, err)
		keys[i] = testKey{key, crypto.PubkeyToAddress(key.PublicKey)}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].addr.Cmp(keys[j].addr) < 0 })
	return keys
}

func (k testKey) sign(t testing.TB, digest common.Hash) Signature {
	raw, err := crypto.Sign(digest.Bytes(), k.key)
	require.NoError(t, err)
	sig, err := ParseSignature(raw)
	require.NoError(t, err)
	return sig
}

func defaultParams() Params {
	return Params{MaxStalenessSeconds: 3600, MaxDeviationPPB: 100_000_000} // 10%
}

func newTestOracle(t testing.TB, keys []testKey, quorum int, params Params, eventCh chan<- Event) *Oracle {
	addrs := make([]common.Address, len(keys))
	for i, k := range keys {
		addrs[i] = k.addr
	}
	o, err := New(tests.Context(t), Opts{
		Logger:        logger.Test(t),
		ChainID:       testChainID,
		OracleAddress: testOracleAddr,
		Reporters:     addrs,
		Quorum:        quorum,
		Params:        params,
		EventCh:       eventCh,
		Now:           func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return o
}

// signedReport co-signs (roundID, price, timestamp) with every key, in the
// given key order.
func signedReport(t testing.TB, keys []testKey, roundID uint64, price *big.Int, timestamp uint64) Report {
	digest := ReportDigest(testChainID, testOracleAddr, roundID, price, timestamp)
	sigs := make([]Signature, len(keys))
	for i, k := range keys {
		sigs[i] = k.sign(t, digest)
	}
	return Report{RoundID: roundID, Price: price, Timestamp: timestamp, Signatures: sigs}
}

func Test_Oracle_New(t *testing.T) {
	keys := newTestKeys(t, 3)
	addrs := []common.Address{keys[0].addr, keys[1].addr, keys[2].addr}

	t.Run("rejects non-positive quorum", func(t *testing.T) {
		_, err := New(tests.Context(t), Opts{Logger: logger.Test(t), Reporters: addrs, Quorum: 0})
		require.ErrorIs(t, err, ErrInvalidQuorum)
	})

	t.Run("rejects duplicate seed reporters", func(t *testing.T) {
		_, err := New(tests.Context(t), Opts{Logger: logger.Test(t), Reporters: []common.Address{keys[0].addr, keys[0].addr}, Quorum: 1})
		require.ErrorIs(t, err, ErrDuplicateReporter)
	})

	t.Run("rejects zero seed reporter", func(t *testing.T) {
		_, err := New(tests.Context(t), Opts{Logger: logger.Test(t), Reporters: []common.Address{{}}, Quorum: 1})
		require.ErrorIs(t, err, ErrZeroAddress)
	})

	t.Run("seeds latest from a pre-populated store", func(t *testing.T) {
		ctx := tests.Context(t)
		store := NewMemoryStore()
		require.NoError(t, store.Commit(ctx, Round{RoundID: 7, Price: big.NewInt(4200), Timestamp: uint64(testNow.Unix()) - 10}))

		o, err := New(ctx, Opts{Logger: logger.Test(t), Reporters: addrs, Quorum: 2, Store: store})
		require.NoError(t, err)

		latest, ok := o.LatestPrice()
		require.True(t, ok)
		assert.Equal(t, uint64(7), latest.RoundID)
		assert.Equal(t, big.NewInt(4200), latest.Price)
	})
}

func Test_Oracle_SubmitReport(t *testing.T) {
	ctx := tests.Context(t)
	keys := newTestKeys(t, 4)
	now := uint64(testNow.Unix())
	price := big.NewInt(1_000_000_000)

	t.Run("accepts a valid quorum of ascending signatures", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		rep := signedReport(t, keys[:2], 1, price, now-30)

		require.NoError(t, o.SubmitReport(ctx, rep, "feeder-1"))

		latest, ok := o.LatestPrice()
		require.True(t, ok)
		assert.Equal(t, uint64(1), latest.RoundID)
		assert.Equal(t, price, latest.Price)
		assert.Equal(t, now-30, latest.Timestamp)

		stored, err := o.GetRound(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, price, stored.Price)
	})

	t.Run("accepts more signatures than quorum", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		rep := signedReport(t, keys[:3], 1, price, now)
		require.NoError(t, o.SubmitReport(ctx, rep, "feeder-1"))
	})

	t.Run("rejects nil, zero and negative prices", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		for _, p := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
			err := o.SubmitReport(ctx, Report{RoundID: 1, Price: p, Timestamp: now}, "feeder-1")
			require.ErrorIs(t, err, ErrZeroPrice)
		}
		_, ok := o.LatestPrice()
		assert.False(t, ok)
	})

	t.Run("rejects future timestamps", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		rep := signedReport(t, keys[:2], 1, price, now+10)
		err := o.SubmitReport(ctx, rep, "feeder-1")
		require.ErrorIs(t, err, ErrInvalidTimestamp)
	})

	t.Run("rejects stale timestamps but accepts the boundary", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)

		stale := signedReport(t, keys[:2], 1, price, now-3601)
		require.ErrorIs(t, o.SubmitReport(ctx, stale, "feeder-1"), ErrInvalidTimestamp)

		boundary := signedReport(t, keys[:2], 1, price, now-3600)
		require.NoError(t, o.SubmitReport(ctx, boundary, "feeder-1"))
	})

	t.Run("rejects descending signature order", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		digest := ReportDigest(testChainID, testOracleAddr, 1, price, now)
		rep := Report{
			RoundID:    1,
			Price:      price,
			Timestamp:  now,
			Signatures: []Signature{keys[1].sign(t, digest), keys[0].sign(t, digest)},
		}
		err := o.SubmitReport(ctx, rep, "feeder-1")
		require.ErrorIs(t, err, ErrDuplicateOrUnorderedSignature)
		_, ok := o.LatestPrice()
		assert.False(t, ok)
	})

	t.Run("rejects the same signer twice", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		digest := ReportDigest(testChainID, testOracleAddr, 1, price, now)
		sig := keys[0].sign(t, digest)
		rep := Report{RoundID: 1, Price: price, Timestamp: now, Signatures: []Signature{sig, sig}}
		err := o.SubmitReport(ctx, rep, "feeder-1")
		require.ErrorIs(t, err, ErrDuplicateOrUnorderedSignature)
	})

	t.Run("rejects insufficient signatures", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		rep := signedReport(t, keys[:1], 1, price, now)
		err := o.SubmitReport(ctx, rep, "feeder-1")
		require.ErrorIs(t, err, ErrInsufficientSignatures)
	})

	t.Run("rejects unauthorized signers", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		rep := signedReport(t, []testKey{keys[0], keys[3]}, 1, price, now)
		err := o.SubmitReport(ctx, rep, "feeder-1")
		require.ErrorIs(t, err, ErrUnauthorizedSigner)
	})

	t.Run("rejects a removed reporter's signature", func(t *testing.T) {
		o := newTestOracle(t, keys, 2, defaultParams(), nil)
		require.NoError(t, o.RemoveReporter(keys[3].addr))

		rep := signedReport(t, []testKey{keys[0], keys[3]}, 1, price, now)
		err := o.SubmitReport(ctx, rep, "feeder-1")
		require.ErrorIs(t, err, ErrUnauthorizedSigner)
	})

	t.Run("rejects malformed signatures explicitly", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		var garbage Signature
		for i := range garbage {
			garbage[i] = 0xff
		}
		garbage[64] = 27
		rep := Report{RoundID: 1, Price: price, Timestamp: now, Signatures: []Signature{garbage}}
		err := o.SubmitReport(ctx, rep, "feeder-1")
		require.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("enforces the deviation bound against the previous round", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		first := signedReport(t, keys[:2], 1, big.NewInt(1_000_000_000), now)
		require.NoError(t, o.SubmitReport(ctx, first, "feeder-1"))

		// 10% up is exactly the bound and must pass
		boundary := signedReport(t, keys[:2], 2, big.NewInt(1_100_000_000), now)
		require.NoError(t, o.SubmitReport(ctx, boundary, "feeder-1"))

		// past the bound fails and leaves the previous round intact
		over := signedReport(t, keys[:2], 3, big.NewInt(1_300_000_000), now)
		err := o.SubmitReport(ctx, over, "feeder-1")
		require.ErrorIs(t, err, ErrDeviationExceeded)

		latest, ok := o.LatestPrice()
		require.True(t, ok)
		assert.Equal(t, uint64(2), latest.RoundID)

		// 10% down from the last accepted price is fine
		down := signedReport(t, keys[:2], 4, big.NewInt(990_000_000), now)
		require.NoError(t, o.SubmitReport(ctx, down, "feeder-1"))
	})

	t.Run("skips the deviation check for the first round", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		rep := signedReport(t, keys[:2], 1, new(big.Int).Lsh(big.NewInt(1), 200), now)
		require.NoError(t, o.SubmitReport(ctx, rep, "feeder-1"))
	})

	t.Run("overwrites an existing round id", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		require.NoError(t, o.SubmitReport(ctx, signedReport(t, keys[:2], 1, big.NewInt(1000), now), "feeder-1"))
		require.NoError(t, o.SubmitReport(ctx, signedReport(t, keys[:2], 1, big.NewInt(1050), now), "feeder-1"))

		stored, err := o.GetRound(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, big.NewInt(1050), stored.Price)
	})

	t.Run("latest follows the committed round even when its id is lower", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		require.NoError(t, o.SubmitReport(ctx, signedReport(t, keys[:2], 5, big.NewInt(1000), now), "feeder-1"))
		require.NoError(t, o.SubmitReport(ctx, signedReport(t, keys[:2], 3, big.NewInt(1010), now), "feeder-1"))

		latest, ok := o.LatestPrice()
		require.True(t, ok)
		assert.Equal(t, uint64(3), latest.RoundID)
	})

	t.Run("emits an acceptance event carrying the submitter", func(t *testing.T) {
		eventCh := make(chan Event, 8)
		o := newTestOracle(t, keys[:3], 2, defaultParams(), eventCh)
		rep := signedReport(t, keys[:2], 1, price, now-5)
		require.NoError(t, o.SubmitReport(ctx, rep, "feeder-42"))

		require.Len(t, eventCh, 1)
		ev := <-eventCh
		accepted, ok := ev.(RoundAccepted)
		require.True(t, ok)
		assert.Equal(t, uint64(1), accepted.RoundID)
		assert.Equal(t, price, accepted.Price)
		assert.Equal(t, now-5, accepted.Timestamp)
		assert.Equal(t, "feeder-42", accepted.Submitter)
	})

	t.Run("drops events instead of blocking when the channel is full", func(t *testing.T) {
		eventCh := make(chan Event) // unbuffered and never drained
		o := newTestOracle(t, keys[:3], 2, defaultParams(), eventCh)
		rep := signedReport(t, keys[:2], 1, price, now)
		require.NoError(t, o.SubmitReport(ctx, rep, "feeder-1"))
	})

	t.Run("signatures from another oracle identity do not replay", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		otherOracle := common.HexToAddress("0x1111111111111111111111111111111111111111")
		digest := ReportDigest(testChainID, otherOracle, 1, price, now)
		rep := Report{
			RoundID:    1,
			Price:      price,
			Timestamp:  now,
			Signatures: []Signature{keys[0].sign(t, digest), keys[1].sign(t, digest)},
		}
		// recovery against this oracle's digest yields addresses that are
		// not registered reporters
		err := o.SubmitReport(ctx, rep, "feeder-1")
		require.Error(t, err)
		_, ok := o.LatestPrice()
		assert.False(t, ok)
	})
}

func Test_Oracle_Admin(t *testing.T) {
	keys := newTestKeys(t, 4)

	t.Run("add, remove and enumerate reporters in insertion order", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		require.NoError(t, o.AddReporter(keys[3].addr))
		assert.Equal(t, []common.Address{keys[0].addr, keys[1].addr, keys[2].addr, keys[3].addr}, o.Reporters())

		require.NoError(t, o.RemoveReporter(keys[1].addr))
		assert.Equal(t, []common.Address{keys[0].addr, keys[2].addr, keys[3].addr}, o.Reporters())
		assert.False(t, o.IsReporter(keys[1].addr))
		assert.True(t, o.IsReporter(keys[0].addr))
	})

	t.Run("rejects invalid admin inputs", func(t *testing.T) {
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)
		require.ErrorIs(t, o.AddReporter(common.Address{}), ErrZeroAddress)
		require.ErrorIs(t, o.AddReporter(keys[0].addr), ErrDuplicateReporter)
		require.ErrorIs(t, o.RemoveReporter(keys[3].addr), ErrUnknownReporter)
		require.ErrorIs(t, o.SetQuorum(0), ErrInvalidQuorum)
		require.ErrorIs(t, o.SetQuorum(-1), ErrInvalidQuorum)
	})

	t.Run("emits one event per successful mutation", func(t *testing.T) {
		eventCh := make(chan Event, 8)
		o := newTestOracle(t, keys[:3], 2, defaultParams(), eventCh)

		require.NoError(t, o.AddReporter(keys[3].addr))
		require.NoError(t, o.RemoveReporter(keys[3].addr))
		require.NoError(t, o.SetQuorum(3))
		o.SetMaxStaleness(60)
		o.SetMaxDeviationPPB(42)

		require.Len(t, eventCh, 5)
		assert.Equal(t, ReporterAdded{Address: keys[3].addr}, <-eventCh)
		assert.Equal(t, ReporterRemoved{Address: keys[3].addr}, <-eventCh)
		assert.Equal(t, QuorumUpdated{Quorum: 3}, <-eventCh)
		assert.Equal(t, MaxStalenessUpdated{MaxStalenessSeconds: 60}, <-eventCh)
		assert.Equal(t, MaxDeviationUpdated{MaxDeviationPPB: 42}, <-eventCh)
	})

	t.Run("failed admin calls emit nothing", func(t *testing.T) {
		eventCh := make(chan Event, 8)
		o := newTestOracle(t, keys[:3], 2, defaultParams(), eventCh)
		require.Error(t, o.AddReporter(keys[0].addr))
		require.Error(t, o.SetQuorum(0))
		require.Len(t, eventCh, 0)
	})

	t.Run("parameter updates take effect on the next submission", func(t *testing.T) {
		ctx := tests.Context(t)
		now := uint64(testNow.Unix())
		o := newTestOracle(t, keys[:3], 2, defaultParams(), nil)

		o.SetMaxStaleness(10)
		stale := signedReport(t, keys[:2], 1, big.NewInt(1000), now-11)
		require.ErrorIs(t, o.SubmitReport(ctx, stale, "feeder-1"), ErrInvalidTimestamp)

		require.NoError(t, o.SubmitReport(ctx, signedReport(t, keys[:2], 1, big.NewInt(1000), now), "feeder-1"))

		o.SetMaxDeviationPPB(0)
		moved := signedReport(t, keys[:2], 2, big.NewInt(1001), now)
		require.ErrorIs(t, o.SubmitReport(ctx, moved, "feeder-1"), ErrDeviationExceeded)

		flat := signedReport(t, keys[:2], 2, big.NewInt(1000), now)
		require.NoError(t, o.SubmitReport(ctx, flat, "feeder-1"))
	})

	t.Run("raising quorum above reporter count only warns", func(t *testing.T) {
		o := newTestOracle(t, keys[:2], 2, defaultParams(), nil)
		require.NoError(t, o.SetQuorum(5))
		assert.Equal(t, 5, o.Quorum())
	})
}

func Test_Oracle_ConcurrentReads(t *testing.T) {
	ctx := tests.Context(t)
	keys := newTestKeys(t, 3)
	now := uint64(testNow.Unix())
	o := newTestOracle(t, keys, 2, Params{MaxStalenessSeconds: 3600, MaxDeviationPPB: PPBScale}, nil)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if latest, ok := o.LatestPrice(); ok {
					require.NotNil(t, latest.Price)
					require.Positive(t, latest.Price.Sign())
				}
				o.Reporters()
			}
		}()
	}
	for i := uint64(1); i <= 20; i++ {
		rep := signedReport(t, keys[:2], i, big.NewInt(int64(1000+i)), now)
		require.NoError(t, o.SubmitReport(ctx, rep, "feeder-1"))
	}
	wg.Wait()

	latest, ok := o.LatestPrice()
	require.True(t, ok)
	assert.Equal(t, uint64(20), latest.RoundID)
}

func Test_Oracle_LatestPriceIsolation(t *testing.T) {
	ctx := tests.Context(t)
	keys := newTestKeys(t, 2)
	now := uint64(testNow.Unix())
	o := newTestOracle(t, keys, 2, defaultParams(), nil)

	require.NoError(t, o.SubmitReport(ctx, signedReport(t, keys, 1, big.NewInt(1000), now), "feeder-1"))

	latest, ok := o.LatestPrice()
	require.True(t, ok)
	latest.Price.SetInt64(-99) // mutating the copy must not touch stored state

	again, ok := o.LatestPrice()
	require.True(t, ok)
	assert.Equal(t, big.NewInt(1000), again.Price)
}
