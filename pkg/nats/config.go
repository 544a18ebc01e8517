// Package nats carries price report submissions, latest-price queries and
// oracle events over an embedded NATS server secured with mutual TLS.
//
// Subjects:
//
//	oracle.v1.submit       request-reply, payload is a JSON-encoded report
//	oracle.v1.price.latest request-reply query for the latest accepted round
//	oracle.v1.events       oracle events, published by the responder
package nats

import (
	"crypto"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

const (
	SubjectSubmit      = "oracle.v1.submit"
	SubjectLatestPrice = "oracle.v1.price.latest"
	SubjectEvents      = "oracle.v1.events"

	// submitterHeader carries the self-identified submitter name. It is not
	// authenticated; the oracle records it in events verbatim.
	submitterHeader = "Oracle-Submitter"
	// dedupeHeader carries the submitter's content hash of the payload.
	dedupeHeader = "Oracle-Dedupe-Key"

	requestTimeout = 5 * time.Second
)

type ClientOpts struct {
	Logger       logger.Logger
	ClientSigner crypto.Signer
	ServerPubKey ed25519.PublicKey
	ServerURLs   []string
	// Name identifies this client in server logs and submission events.
	// Defaults to the client public key hex.
	Name string
}

// verifyConfig validates all required fields are properly set
func (c *ClientOpts) verifyConfig() error {
	var errs []error

	if c.Logger == nil {
		errs = append(errs, fmt.Errorf("logger is required for NATS client"))
	}
	if c.ClientSigner == nil {
		errs = append(errs, fmt.Errorf("client signer is required for NATS client"))
	}
	if len(c.ServerPubKey) == 0 {
		errs = append(errs, fmt.Errorf("server public key is required for NATS client"))
	}
	if len(c.ServerURLs) == 0 {
		errs = append(errs, fmt.Errorf("at least one server URL is required for NATS client"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid NATS client configuration: %v", errs)
	}

	return nil
}

// connectOptions is the option set shared by every NATS connection we open.
// Connections retry forever; the service stays up while the broker bounces.
func connectOptions(lggr logger.Logger, name string, tlsConfig *tls.Config) []nats.Option {
	return []nats.Option{
		// Connection settings
		nats.ReconnectWait(1 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(256 * 1024 * 1024), // 256MB
		// Timeouts and keepalive
		nats.PingInterval(1 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.TLSHandshakeFirst(),
		nats.Secure(tlsConfig),
		nats.Name(name),
		// Connection handlers for various NATS events
		nats.ConnectHandler(func(nc *nats.Conn) {
			lggr.Infow("NATS connection established", "server_id", nc.ConnectedServerId(), "server_url", nc.ConnectedUrl())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			lggr.Infow("NATS reconnected", "server_id", nc.ConnectedServerId(), "server_url", nc.ConnectedUrl(), "total_reconnects", nc.Reconnects)
		}),
		nats.ReconnectErrHandler(func(nc *nats.Conn, err error) {
			lggr.Errorw("NATS reconnected with error", "server_id", nc.ConnectedServerId(), "server_url", nc.ConnectedUrl(), "error", err)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			lggr.Errorw("NATS disconnected with error", "server_id", nc.ConnectedServerId(), "server_url", nc.ConnectedUrl(), "total_reconnects", nc.Reconnects, "error", err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			lggr.Warnw("NATS connection closed", "server_id", nc.ConnectedServerId(), "server_url", nc.ConnectedUrl())
		}),
		// Error handler for subscriptions
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				lggr.Errorw("NATS subscription error", "server_id", nc.ConnectedServerId(), "error", err, "subject", sub.Subject, "queue", sub.Queue)
				return
			}
			lggr.Errorw("NATS connection error", "server_id", nc.ConnectedServerId(), "error", err)
		}),
	}
}
