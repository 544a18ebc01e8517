package nats

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/smartcontractkit/chainlink-quorum-oracle/oracle"
	"github.com/smartcontractkit/chainlink-quorum-oracle/pkg/mtls"
	"github.com/smartcontractkit/chainlink-quorum-oracle/report"
)

var (
	promSubmissionsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oracle",
		Subsystem: "responder",
		Name:      "submissions_handled_count",
		Help:      "Number of report submissions handled, by result code",
	},
		[]string{"code"},
	)
	promSubmissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "oracle",
		Subsystem: "responder",
		Name:      "submission_duration_ms",
		Help:      "Duration of report submission handling in milliseconds",
		Buckets: []float64{
			1, 5, 10, 25, 50, 100, 250, 500,
		},
	},
		[]string{"code"},
	)
	promLatestRoundID = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "oracle",
		Subsystem: "responder",
		Name:      "latest_round_id",
		Help:      "Round id of the most recently accepted round",
	})
	promLatestPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "oracle",
		Subsystem: "responder",
		Name:      "latest_price",
		Help:      "Price of the most recently accepted round (float approximation)",
	})
)

// SubmitReply is the wire envelope for oracle.v1.submit replies.
type SubmitReply struct {
	Accepted  bool   `json:"accepted"`
	RoundID   uint64 `json:"roundId,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// LatestReply is the wire envelope for oracle.v1.price.latest replies. Price
// is a base-10 integer string. ErrorCode "no_rounds" means nothing has been
// accepted yet.
type LatestReply struct {
	RoundID   uint64 `json:"roundId,omitempty"`
	Price     string `json:"price,omitempty"`
	Timestamp uint64 `json:"timestamp,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// EventEnvelope wraps an oracle event for publication on oracle.v1.events.
type EventEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Responder is the oracle-side NATS service. It answers submissions and
// latest-price queries, and relays oracle events onto the events subject.
type Responder interface {
	services.Service
}

var _ Responder = (*responder)(nil)

type ResponderOpts struct {
	Logger logger.Logger
	Oracle *oracle.Oracle

	// ClientSigner is the responder's own ed25519 identity. Its public key
	// must be in the server's allowed set.
	ClientSigner crypto.Signer
	ServerPubKey ed25519.PublicKey
	ServerURLs   []string

	// Codec decodes submission payloads. Defaults to report.JSONCodec.
	Codec report.Codec

	// Events, when set, is drained onto the events subject for as long as
	// the responder runs.
	Events <-chan oracle.Event
}

func (o *ResponderOpts) verifyConfig() error {
	var errs []error

	if o.Logger == nil {
		errs = append(errs, fmt.Errorf("logger is required for NATS responder"))
	}
	if o.Oracle == nil {
		errs = append(errs, fmt.Errorf("oracle is required for NATS responder"))
	}
	if o.ClientSigner == nil {
		errs = append(errs, fmt.Errorf("client signer is required for NATS responder"))
	}
	if len(o.ServerPubKey) == 0 {
		errs = append(errs, fmt.Errorf("server public key is required for NATS responder"))
	}
	if len(o.ServerURLs) == 0 {
		errs = append(errs, fmt.Errorf("at least one server URL is required for NATS responder"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid NATS responder configuration: %v", errs)
	}

	return nil
}

type responder struct {
	services.Service
	eng *services.Engine

	lggr         logger.SugaredLogger
	orcl         *oracle.Oracle
	codec        report.Codec
	clientSigner crypto.Signer
	serverPubKey ed25519.PublicKey
	serverURLs   []string
	events       <-chan oracle.Event

	conn *nats.Conn
}

func NewResponder(opts ResponderOpts) (Responder, error) {
	if err := opts.verifyConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	codec := opts.Codec
	if codec == nil {
		codec = report.JSONCodec{}
	}
	r := &responder{
		lggr:         logger.Sugared(opts.Logger).Named("NATSResponder"),
		orcl:         opts.Oracle,
		codec:        codec,
		clientSigner: opts.ClientSigner,
		serverPubKey: opts.ServerPubKey,
		serverURLs:   opts.ServerURLs,
		events:       opts.Events,
	}
	r.Service, r.eng = services.Config{
		Name:  "NATSResponder",
		Start: r.start,
		Close: r.close,
	}.NewServiceEngine(opts.Logger)

	return r, nil
}

func (r *responder) start(context.Context) error {
	cMtls, err := mtls.NewTLSTransportSigner(r.clientSigner, []ed25519.PublicKey{r.serverPubKey})
	if err != nil {
		return fmt.Errorf("failed to create responder mTLS credentials: %w", err)
	}

	nc, err := nats.Connect(strings.Join(r.serverURLs, ","), connectOptions(r.lggr, "oracle-responder", cMtls)...)
	if err != nil {
		return fmt.Errorf("failed to create NATS connection: %w", err)
	}
	r.conn = nc

	if _, err := nc.Subscribe(SubjectSubmit, r.handleSubmit); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectSubmit, err)
	}
	if _, err := nc.Subscribe(SubjectLatestPrice, r.handleLatest); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectLatestPrice, err)
	}
	// Requests sent after start must find the subscriptions registered.
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	if r.events != nil {
		r.eng.Go(r.publishEvents)
	}
	return nil
}

func (r *responder) close() error {
	if r.conn != nil {
		return r.conn.Drain()
	}
	return nil
}

func (r *responder) handleSubmit(msg *nats.Msg) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	submitter := msg.Header.Get(submitterHeader)
	if submitter == "" {
		submitter = "unidentified"
	}

	var reply SubmitReply
	rep, err := r.codec.Decode(msg.Data)
	if err != nil {
		reply.ErrorCode = "invalid_report"
		reply.Error = err.Error()
		r.lggr.Warnw("Rejected undecodable report",
			"error", err,
			"submitter", submitter,
			"dedupeKey", msg.Header.Get(dedupeHeader),
		)
	} else if err := r.orcl.SubmitReport(ctx, rep, submitter); err != nil {
		reply.RoundID = rep.RoundID
		reply.ErrorCode = oracle.ErrorCode(err)
		reply.Error = err.Error()
		r.lggr.Warnw("Rejected report",
			"error", err,
			"code", reply.ErrorCode,
			"roundID", rep.RoundID,
			"submitter", submitter,
		)
	} else {
		reply.Accepted = true
		reply.RoundID = rep.RoundID
		promLatestRoundID.Set(float64(rep.RoundID))
		price, _ := new(big.Float).SetInt(rep.Price).Float64()
		promLatestPrice.Set(price)
	}

	code := reply.ErrorCode
	if reply.Accepted {
		code = "accepted"
	}
	promSubmissionsHandled.WithLabelValues(code).Inc()
	promSubmissionDuration.WithLabelValues(code).Observe(float64(time.Since(start).Milliseconds()))

	r.respond(msg, reply)
}

func (r *responder) handleLatest(msg *nats.Msg) {
	round, ok := r.orcl.LatestPrice()
	if !ok {
		r.respond(msg, LatestReply{ErrorCode: "no_rounds"})
		return
	}
	r.respond(msg, LatestReply{
		RoundID:   round.RoundID,
		Price:     round.Price.String(),
		Timestamp: round.Timestamp,
	})
}

func (r *responder) respond(msg *nats.Msg, reply any) {
	b, err := json.Marshal(reply)
	if err != nil {
		r.lggr.Errorw("Failed to encode reply", "error", err, "subject", msg.Subject)
		return
	}
	if err := msg.Respond(b); err != nil {
		r.lggr.Errorw("Failed to respond", "error", err, "subject", msg.Subject)
	}
}

func (r *responder) publishEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			data, err := json.Marshal(ev)
			if err != nil {
				r.lggr.Errorw("Failed to encode event", "error", err, "event", ev.EventName())
				continue
			}
			b, err := json.Marshal(EventEnvelope{Event: ev.EventName(), Data: data})
			if err != nil {
				r.lggr.Errorw("Failed to encode event envelope", "error", err, "event", ev.EventName())
				continue
			}
			if err := r.conn.Publish(SubjectEvents, b); err != nil {
				r.lggr.Errorw("Failed to publish event", "error", err, "event", ev.EventName())
			}
		}
	}
}

func (r *responder) Healthy() error {
	switch {
	case r.conn == nil:
		return fmt.Errorf("NATS connection is nil")
	case !r.conn.IsConnected():
		return fmt.Errorf("NATS connection is %s", r.conn.Status())
	default:
		return nil
	}
}

func (r *responder) Ready() error {
	if r.conn == nil || !r.conn.IsConnected() {
		return errors.New("NATS connection is not ready")
	}
	return nil
}

func (r *responder) HealthReport() map[string]error {
	return map[string]error{r.Name(): r.Healthy()}
}
