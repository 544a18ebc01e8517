// Package storage provides durable round persistence backed by BadgerDB.
package storage

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/smartcontractkit/chainlink-quorum-oracle/oracle"
)

var (
	roundPrefix = []byte("r/")
	latestKey   = []byte("meta/latest")
)

const (
	defaultGCInterval = 15 * time.Minute
	gcDiscardRatio    = 0.7
)

func roundKey(roundID uint64) []byte {
	key := make([]byte, len(roundPrefix)+8)
	copy(key, roundPrefix)
	binary.BigEndian.PutUint64(key[len(roundPrefix):], roundID)
	return key
}

type BadgerStoreOpts struct {
	Logger logger.Logger
	// Path is the database directory. Empty opens an in-memory database,
	// which loses everything on Close.
	Path string
	// GCInterval is how often the value log garbage collector runs.
	// Defaults to 15m. GC never runs for in-memory databases.
	GCInterval time.Duration
}

// BadgerStore is the durable RoundStore. The database is usable as soon as
// the constructor returns; the service lifecycle only owns the background
// value log GC and the final Close of the database.
type BadgerStore struct {
	services.Service
	eng *services.Engine

	db         *badger.DB
	lggr       logger.SugaredLogger
	inMemory   bool
	gcInterval time.Duration
	gcMu       sync.Mutex
}

var _ oracle.RoundStore = (*BadgerStore)(nil)

func NewBadgerStore(opts BadgerStoreOpts) (*BadgerStore, error) {
	lggr := opts.Logger
	if lggr == nil {
		lggr = logger.Nop()
	}
	gcInterval := opts.GCInterval
	if gcInterval <= 0 {
		gcInterval = defaultGCInterval
	}
	badgerOpts := badger.DefaultOptions(opts.Path).WithLogger(newBadgerLogger(lggr))
	if opts.Path == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger")
	}
	s := &BadgerStore{
		db:         db,
		lggr:       logger.Sugared(lggr).Named("BadgerStore"),
		inMemory:   badgerOpts.InMemory,
		gcInterval: gcInterval,
	}
	s.Service, s.eng = services.Config{
		Name:  "BadgerStore",
		Start: s.start,
		Close: s.close,
	}.NewServiceEngine(lggr)
	return s, nil
}

func (s *BadgerStore) start(_ context.Context) error {
	if !s.inMemory {
		s.eng.Go(s.collectGarbage)
	}
	return nil
}

func (s *BadgerStore) close() error {
	return s.db.Close()
}

func (s *BadgerStore) Latest(_ context.Context) (*oracle.Round, error) {
	var round *oracle.Round
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read latest pointer")
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return errors.Wrap(err, "failed to copy latest pointer")
		}
		if len(val) != 8 {
			return errors.Errorf("malformed latest pointer; expected 8 bytes, got %d", len(val))
		}
		roundID := binary.BigEndian.Uint64(val)
		r, err := getRound(txn, roundID)
		if err != nil {
			return err
		}
		if r == nil {
			return errors.Errorf("latest pointer references missing round %d", roundID)
		}
		round = r
		return nil
	})
	return round, err
}

func (s *BadgerStore) Get(_ context.Context, roundID uint64) (*oracle.Round, error) {
	var round *oracle.Round
	err := s.db.View(func(txn *badger.Txn) error {
		r, err := getRound(txn, roundID)
		if err != nil {
			return err
		}
		round = r
		return nil
	})
	return round, err
}

func getRound(txn *badger.Txn, roundID uint64) (*oracle.Round, error) {
	item, err := txn.Get(roundKey(roundID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read round record")
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to copy round record")
	}
	round, err := unmarshalRound(val)
	if err != nil {
		return nil, err
	}
	return &round, nil
}

// Commit writes the round record and repoints latest at it in one badger
// transaction, so either both land or neither does.
func (s *BadgerStore) Commit(_ context.Context, round oracle.Round) error {
	rec, err := marshalRound(round)
	if err != nil {
		return err
	}
	var pointer [8]byte
	binary.BigEndian.PutUint64(pointer[:], round.RoundID)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(roundKey(round.RoundID), rec); err != nil {
			return errors.Wrap(err, "failed to write round record")
		}
		if err := txn.Set(latestKey, pointer[:]); err != nil {
			return errors.Wrap(err, "failed to write latest pointer")
		}
		return nil
	})
}

func (s *BadgerStore) collectGarbage(ctx context.Context) {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.gc(ctx); err != nil {
				s.lggr.Errorw("Value log GC cycle failed", "err", err)
			} else {
				s.lggr.Debugw("Value log GC cycle completed", "took", time.Since(start))
			}
		}
	}
}

// gc runs value log GC cycles until a cycle rewrites nothing.
func (s *BadgerStore) gc(ctx context.Context) error {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	for ctx.Err() == nil {
		err := s.db.RunValueLogGC(gcDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "failed to collect garbage")
		}
	}
	return nil
}
