package nats

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/smartcontractkit/chainlink-quorum-oracle/oracle"
	"github.com/smartcontractkit/chainlink-quorum-oracle/report"
)

var (
	promSubmitCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oracle",
		Subsystem: "submitter",
		Name:      "submit_count",
		Help:      "Number of report submissions sent, by result code",
	},
		[]string{"code"},
	)
	promSubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oracle",
		Subsystem: "submitter",
		Name:      "submit_duration_ms",
		Help:      "Duration of accepted submissions in milliseconds",
		Buckets: []float64{
			25, 50, 100, 250, 500, 750, 1000,
		},
	})
)

// Submitter delivers signed reports to the oracle over NATS. Identical
// consecutive reports are submitted once; the content hash of the encoded
// payload is the dedupe key.
type Submitter interface {
	services.Service

	SubmitRound(ctx context.Context, rep oracle.Report) error
}

var _ Submitter = (*submitter)(nil)

type SubmitterOpts struct {
	Logger logger.Logger
	// Name self-identifies this submitter in oracle events. Defaults to the
	// client public key hex.
	Name         string
	ClientSigner crypto.Signer
	ServerPubKey ed25519.PublicKey
	ServerURLs   []string
	// Codec encodes reports for the wire. Defaults to report.JSONCodec.
	Codec report.Codec
}

type submitter struct {
	services.Service

	lggr   logger.SugaredLogger
	name   string
	codec  report.Codec
	client Client

	// Reusable hash instances for dedupe key derivation
	hashPool sync.Pool

	mu              sync.Mutex
	lastAcceptedKey string
}

func NewSubmitter(opts SubmitterOpts) (Submitter, error) {
	name := opts.Name
	if name == "" && opts.ClientSigner != nil {
		if pub, ok := opts.ClientSigner.Public().(ed25519.PublicKey); ok {
			name = hex.EncodeToString(pub)
		}
	}
	codec := opts.Codec
	if codec == nil {
		codec = report.JSONCodec{}
	}

	client, err := NewClient(ClientOpts{
		Logger:       opts.Logger,
		ClientSigner: opts.ClientSigner,
		ServerPubKey: opts.ServerPubKey,
		ServerURLs:   opts.ServerURLs,
		Name:         name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	s := &submitter{
		lggr:   logger.Sugared(opts.Logger).Named("NATSSubmitter"),
		name:   name,
		codec:  codec,
		client: client,
	}
	s.hashPool.New = func() interface{} {
		return xxhash.New()
	}
	s.Service, _ = services.Config{
		Name:  "NATSSubmitter",
		Start: func(context.Context) error { return nil },
		Close: func() error { return nil },
		NewSubServices: func(lggr logger.Logger) []services.Service {
			return []services.Service{client}
		},
	}.NewServiceEngine(opts.Logger)

	return s, nil
}

func (s *submitter) SubmitRound(ctx context.Context, rep oracle.Report) error {
	payload, err := s.codec.Encode(rep)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	h := s.hashPool.Get().(*xxhash.Digest)
	defer s.hashPool.Put(h)
	h.Reset()
	h.Write(payload)
	dedupeKey := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	dup := dedupeKey == s.lastAcceptedKey
	s.mu.Unlock()
	if dup {
		s.lggr.Debugw("Skipping report, identical payload already accepted",
			"roundID", rep.RoundID,
			"dedupeKey", dedupeKey,
		)
		return nil
	}

	start := time.Now()
	replyBytes, err := s.client.Submit(ctx, payload, s.name, dedupeKey)
	if err != nil {
		promSubmitCount.WithLabelValues("transport_error").Inc()
		s.lggr.Errorw("Failed to submit report", "error", err, "roundID", rep.RoundID)
		return err
	}

	var reply SubmitReply
	if err := json.Unmarshal(replyBytes, &reply); err != nil {
		promSubmitCount.WithLabelValues("bad_reply").Inc()
		return fmt.Errorf("failed to decode submit reply: %w", err)
	}
	if !reply.Accepted {
		promSubmitCount.WithLabelValues(reply.ErrorCode).Inc()
		s.lggr.Warnw("Report rejected",
			"code", reply.ErrorCode,
			"error", reply.Error,
			"roundID", rep.RoundID,
		)
		return fmt.Errorf("report rejected (%s): %s", reply.ErrorCode, reply.Error)
	}

	promSubmitCount.WithLabelValues("accepted").Inc()
	promSubmitDuration.Observe(float64(time.Since(start).Milliseconds()))

	s.mu.Lock()
	s.lastAcceptedKey = dedupeKey
	s.mu.Unlock()

	s.lggr.Debugw("Successfully submitted report",
		"roundID", rep.RoundID,
		"dedupeKey", dedupeKey,
	)
	return nil
}
