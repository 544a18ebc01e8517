package nats

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/smartcontractkit/chainlink-quorum-oracle/pkg/mtls"
)

// Server is the embedded NATS broker. Only clients whose ed25519 keys are in
// the allowed set can connect, and each connection is confined to the oracle
// subjects through TLS-mapped users.
type Server interface {
	services.Service

	// URL returns the connect URL(s) to hand to clients.
	URL() []string
}

var _ Server = (*serverImpl)(nil)

type serverImpl struct {
	services.Service
	eng *services.Engine

	lggr logger.SugaredLogger
	opts ServerOpts
	srv  *natssrv.Server
}

// ServerOpts is the set of options required to stand up a NATS server with
// mTLS.
type ServerOpts struct {
	Logger logger.Logger

	// ServerPrivKey proves the server's identity to clients. Must be an
	// ed25519 key.
	ServerPrivKey ed25519.PrivateKey

	// AllowedClientPubKeys is the set of client keys allowed to connect.
	// Includes reporters, feeders and the responder's own key.
	AllowedClientPubKeys []ed25519.PublicKey

	// Host to listen on (e.g. "0.0.0.0" or "127.0.0.1").
	Host string

	// Port to listen on. -1 picks a random free port, useful in tests.
	Port int

	// Optional subject permission overrides. When empty every allowed
	// client may use the oracle subjects and its own reply inboxes.
	AllowedPublish   []string
	AllowedSubscribe []string
}

func NewServer(opts ServerOpts) (Server, error) {
	if err := verifyServerOpts(opts); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	s := &serverImpl{
		lggr: logger.Sugared(opts.Logger).Named("NATSServer"),
		opts: opts,
	}
	s.Service, s.eng = services.Config{
		Name:  "NATSServer",
		Start: s.start,
		Close: s.close,
	}.NewServiceEngine(opts.Logger)

	return s, nil
}

func verifyServerOpts(opts ServerOpts) error {
	if opts.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}
	if len(opts.ServerPrivKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("server private key is required")
	}
	if len(opts.AllowedClientPubKeys) == 0 {
		return fmt.Errorf("at least one allowed client public key is required")
	}
	if opts.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if opts.Port == 0 || opts.Port < -1 {
		return fmt.Errorf("port must be > 0, or -1 for a random port")
	}
	return nil
}

// start spins up the embedded NATS server with an mTLS config and begins
// listening. It does not wait for the listener; Ready reports when the
// server accepts connections.
func (s *serverImpl) start(_ context.Context) error {
	serverTLSConfig, err := mtls.NewTLSConfig(s.opts.ServerPrivKey, s.opts.AllowedClientPubKeys)
	if err != nil {
		return fmt.Errorf("failed to create server TLS config: %w", err)
	}

	pubAllows := s.opts.AllowedPublish
	if len(pubAllows) == 0 {
		pubAllows = []string{"oracle.v1.>", "_INBOX.>"}
	}
	subAllows := s.opts.AllowedSubscribe
	if len(subAllows) == 0 {
		subAllows = []string{"oracle.v1.>", "_INBOX.>"}
	}

	// TLSMap resolves each connection to the username derived from its
	// certificate subject, which pins every allowed key to the oracle
	// subjects.
	var users []*natssrv.User
	for _, clientPub := range s.opts.AllowedClientPubKeys {
		username, err := mtls.TLSUsername(clientPub)
		if err != nil {
			return fmt.Errorf("failed to derive username for client key %x: %w", clientPub, err)
		}
		users = append(users, &natssrv.User{
			Username: username,
			Permissions: &natssrv.Permissions{
				Publish: &natssrv.SubjectPermission{
					Allow: pubAllows,
				},
				Subscribe: &natssrv.SubjectPermission{
					Allow: subAllows,
				},
			},
		})
	}

	natsOpts := &natssrv.Options{
		Host:              s.opts.Host,
		Port:              s.opts.Port,
		NoLog:             false,
		NoSigs:            true,
		Logtime:           true,
		Debug:             false,
		Trace:             false,
		TLSConfig:         serverTLSConfig,
		TLSHandshakeFirst: true,
		AllowNonTLS:       false,
		TLSMap:            true,
		// Connection limits & server resource constraints
		MaxConn:    1000,
		MaxSubs:    100,
		MaxPayload: 512 * 1024, // 512KB
		MaxPending: 2 * 1024 * 1024,
		// Timeouts
		WriteDeadline: 1 * time.Second,
		AuthTimeout:   2.0,
		TLSTimeout:    2.0,
		// Ping intervals
		PingInterval: 2 * time.Second,
		MaxPingsOut:  3,
		// Lame-duck
		LameDuckDuration:    30 * time.Second,
		LameDuckGracePeriod: 10 * time.Second,
		// User / permissions
		Users: users,
	}

	ns, err := natssrv.NewServer(natsOpts)
	if err != nil {
		return fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	go ns.Start()
	s.srv = ns

	s.lggr.Infow("NATS server is starting", "host", s.opts.Host, "port", s.opts.Port)
	return nil
}

func (s *serverImpl) close() error {
	if s.srv == nil {
		return nil
	}
	s.lggr.Infow("Shutting down NATS server", "host", s.opts.Host, "port", s.opts.Port)
	s.srv.Shutdown()
	return nil
}

// Ready reports whether the server accepts connections. Until the listener
// is bound this returns an error, so health checks gate on actual readiness
// rather than on Start having returned.
func (s *serverImpl) Ready() error {
	if s.srv == nil {
		return fmt.Errorf("NATS server is nil")
	}
	if !s.srv.ReadyForConnections(0 * time.Second) {
		return fmt.Errorf("NATS server is not ready for connections")
	}
	return nil
}

func (s *serverImpl) Healthy() error {
	if s.srv == nil {
		return fmt.Errorf("NATS server is nil")
	}
	return nil
}

func (s *serverImpl) HealthReport() map[string]error {
	return map[string]error{s.Name(): s.Healthy()}
}

// URL returns the server connect URL(s), e.g. ["tls://127.0.0.1:4222"].
// With Port -1 the real port is known only once the listener is bound.
func (s *serverImpl) URL() []string {
	if s.srv == nil {
		return []string{fmt.Sprintf("tls://%s:%d", s.opts.Host, s.opts.Port)}
	}
	return []string{s.srv.ClientURL()}
}
