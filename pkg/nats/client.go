package nats

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/smartcontractkit/chainlink-quorum-oracle/pkg/mtls"
)

// Client is the feeder-side connection to the oracle's NATS server. Submit
// and LatestPrice are request-reply; the raw reply bytes are returned so
// callers can decode the envelope they expect.
type Client interface {
	services.Service

	Submit(ctx context.Context, payload []byte, submitter, dedupeKey string) ([]byte, error)
	LatestPrice(ctx context.Context) ([]byte, error)
	// SubscribeEvents delivers every oracle event published by the
	// responder. The subscription lives until the client closes.
	SubscribeEvents(handler func(data []byte)) error
}

var _ Client = (*client)(nil)

type client struct {
	services.Service
	eng *services.Engine

	lggr         logger.SugaredLogger
	clientSigner crypto.Signer
	serverPubKey ed25519.PublicKey
	serverURLs   []string
	name         string

	conn *nats.Conn
}

func NewClient(opts ClientOpts) (Client, error) {
	if err := opts.verifyConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = hex.EncodeToString(opts.ClientSigner.Public().(ed25519.PublicKey))
	}
	c := &client{
		lggr:         logger.Sugared(opts.Logger).Named("NATSClient"),
		clientSigner: opts.ClientSigner,
		serverPubKey: opts.ServerPubKey,
		serverURLs:   opts.ServerURLs,
		name:         name,
	}
	c.Service, c.eng = services.Config{
		Name:  "NATSClient",
		Start: c.start,
		Close: c.close,
	}.NewServiceEngine(opts.Logger)

	return c, nil
}

func (c *client) connect() (*nats.Conn, error) {
	cMtls, err := mtls.NewTLSTransportSigner(c.clientSigner, []ed25519.PublicKey{c.serverPubKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create client mTLS credentials: %w", err)
	}

	nc, err := nats.Connect(strings.Join(c.serverURLs, ","), connectOptions(c.lggr, c.name, cMtls)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS connection: %w", err)
	}
	return nc, nil
}

func (c *client) start(context.Context) error {
	nc, err := c.connect()
	if err != nil {
		return err
	}
	c.conn = nc
	return nil
}

func (c *client) close() error {
	if c.conn != nil {
		return c.conn.Drain()
	}
	return nil
}

func (c *client) Submit(ctx context.Context, payload []byte, submitter, dedupeKey string) (reply []byte, err error) {
	err = c.eng.IfStarted(func() error {
		msg := nats.NewMsg(SubjectSubmit)
		msg.Data = payload
		// Self-identified, not cryptographically verified.
		msg.Header.Set(submitterHeader, submitter)
		msg.Header.Set(dedupeHeader, dedupeKey)

		resp, err := c.conn.RequestMsgWithContext(ctx, msg)
		if err != nil {
			return fmt.Errorf("submit request failed: %w", err)
		}
		reply = resp.Data
		return nil
	})
	return
}

func (c *client) LatestPrice(ctx context.Context) (reply []byte, err error) {
	err = c.eng.IfStarted(func() error {
		resp, err := c.conn.RequestWithContext(ctx, SubjectLatestPrice, nil)
		if err != nil {
			return fmt.Errorf("latest price request failed: %w", err)
		}
		reply = resp.Data
		return nil
	})
	return
}

func (c *client) SubscribeEvents(handler func(data []byte)) error {
	return c.eng.IfStarted(func() error {
		_, err := c.conn.Subscribe(SubjectEvents, func(msg *nats.Msg) {
			handler(msg.Data)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", SubjectEvents, err)
		}
		return nil
	})
}

func (c *client) Healthy() error {
	switch {
	case c.conn == nil:
		return fmt.Errorf("NATS connection is nil")
	case !c.conn.IsConnected():
		return fmt.Errorf("NATS connection is %s", c.conn.Status())
	default:
		return nil
	}
}

func (c *client) Ready() error {
	if c.conn == nil || !c.conn.IsConnected() {
		return errors.New("NATS connection is not ready")
	}
	return nil
}

func (c *client) HealthReport() map[string]error {
	return map[string]error{c.Name(): c.Healthy()}
}
