// Package api exposes the oracle over HTTP: queries, report submission, the
// bearer-token admin surface, health and Prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/smartcontractkit/chainlink-quorum-oracle/oracle"
	"github.com/smartcontractkit/chainlink-quorum-oracle/report"
)

const (
	// submitterHeader self-identifies the caller of POST /v1/reports. Not
	// authenticated; falls back to the remote address.
	submitterHeader = "Oracle-Submitter"

	maxReportBody = 1 << 20 // 1MB
)

// RoundResponse is the JSON rendering of an accepted round. Price is a
// base-10 integer string.
type RoundResponse struct {
	RoundID   uint64 `json:"roundId"`
	Price     string `json:"price"`
	Timestamp uint64 `json:"timestamp"`
}

type ReportersResponse struct {
	Reporters []string `json:"reporters"`
	Quorum    int      `json:"quorum"`
}

type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	RoundID  uint64 `json:"roundId"`
}

type HealthResponse struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
}

type ServerOpts struct {
	Logger logger.Logger
	Oracle *oracle.Oracle

	// Addr is the listen address, e.g. "0.0.0.0:8545". Port 0 picks a free
	// port; Addr() reports the bound address.
	Addr string

	// Codec decodes POST /v1/reports bodies. Defaults to report.JSONCodec.
	Codec report.Codec

	// AdminToken guards /v1/admin. Empty hides the admin surface entirely.
	AdminToken string

	// Health, when set, is merged into /healthz alongside the server's own
	// report. Wire the top-level service tree's HealthReport here.
	Health func() map[string]error

	// TLSConfig, when set, serves HTTPS.
	TLSConfig *tls.Config
}

func (o *ServerOpts) verify() error {
	if o.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if o.Oracle == nil {
		return fmt.Errorf("oracle is required")
	}
	if o.Addr == "" {
		return fmt.Errorf("listen address is required")
	}
	return nil
}

type Server struct {
	services.Service
	eng *services.Engine

	lggr       logger.SugaredLogger
	orcl       *oracle.Oracle
	codec      report.Codec
	addr       string
	adminToken string
	health     func() map[string]error
	tlsConfig  *tls.Config

	srv        *http.Server
	listenAddr string
}

func NewServer(opts ServerOpts) (*Server, error) {
	if err := opts.verify(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	codec := opts.Codec
	if codec == nil {
		codec = report.JSONCodec{}
	}
	s := &Server{
		lggr:       logger.Sugared(opts.Logger).Named("APIServer"),
		orcl:       opts.Oracle,
		codec:      codec,
		addr:       opts.Addr,
		adminToken: opts.AdminToken,
		health:     opts.Health,
		tlsConfig:  opts.TLSConfig,
	}
	s.Service, s.eng = services.Config{
		Name:  "APIServer",
		Start: s.start,
		Close: s.close,
	}.NewServiceEngine(opts.Logger)
	return s, nil
}

func (s *Server) start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listenAddr = ln.Addr().String()

	s.srv = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  12 * time.Second,
		WriteTimeout: 12 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.lggr.Errorw("HTTP server stopped with error", "error", err)
		}
	}()

	s.lggr.Infow("Serving oracle API", "addr", s.listenAddr, "tls", s.tlsConfig != nil, "admin", s.adminToken != "")
	return nil
}

func (s *Server) close() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	return s.listenAddr
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()

	r.Get("/v1/price/latest", s.handler(s.handleLatest))
	r.Get("/v1/rounds/{roundID}", s.handler(s.handleGetRound))
	r.Get("/v1/reporters", s.handler(s.handleReporters))
	r.Post("/v1/reports", s.handler(s.handleSubmitReport))

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/reporters", s.handler(s.handleAddReporter))
		r.Delete("/reporters/{address}", s.handler(s.handleRemoveReporter))
		r.Put("/quorum", s.handler(s.handleSetQuorum))
		r.Put("/staleness", s.handler(s.handleSetStaleness))
		r.Put("/deviation", s.handler(s.handleSetDeviation))
	})

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handler(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		var resp *ErrorResponse
		if !errors.As(err, &resp) {
			resp = toErrorResponse(err)
		}
		if resp.HTTPStatus >= http.StatusInternalServerError {
			s.lggr.Errorw("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		}
		if renderErr := render.Render(w, r, resp); renderErr != nil {
			http.Error(w, renderErr.Error(), http.StatusInternalServerError)
		}
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			_ = render.Render(w, r, errNotFound)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			_ = render.Render(w, r, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) error {
	round, ok := s.orcl.LatestPrice()
	if !ok {
		return errNoRounds
	}
	render.JSON(w, r, roundResponse(round))
	return nil
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) error {
	roundID, err := strconv.ParseUint(chi.URLParam(r, "roundID"), 10, 64)
	if err != nil {
		return badRequest("invalid_round_id", fmt.Errorf("round id must be an unsigned integer: %w", err))
	}
	round, err := s.orcl.GetRound(r.Context(), roundID)
	if err != nil {
		return err
	}
	if round == nil {
		return errNotFound
	}
	render.JSON(w, r, roundResponse(*round))
	return nil
}

func (s *Server) handleReporters(w http.ResponseWriter, r *http.Request) error {
	addrs := s.orcl.Reporters()
	reporters := make([]string, len(addrs))
	for i, addr := range addrs {
		reporters[i] = addr.Hex()
	}
	render.JSON(w, r, ReportersResponse{
		Reporters: reporters,
		Quorum:    s.orcl.Quorum(),
	})
	return nil
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBody))
	if err != nil {
		return badRequest("invalid_report", fmt.Errorf("failed to read body: %w", err))
	}
	rep, err := s.codec.Decode(body)
	if err != nil {
		return badRequest("invalid_report", err)
	}

	submitter := r.Header.Get(submitterHeader)
	if submitter == "" {
		submitter = r.RemoteAddr
	}
	if err := s.orcl.SubmitReport(r.Context(), rep, submitter); err != nil {
		return err
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, SubmitResponse{Accepted: true, RoundID: rep.RoundID})
	return nil
}

func (s *Server) handleAddReporter(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Address string `json:"address"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		return badRequest("invalid_request", err)
	}
	if !common.IsHexAddress(req.Address) {
		return badRequest("invalid_address", fmt.Errorf("%q is not a hex address", req.Address))
	}
	if err := s.orcl.AddReporter(common.HexToAddress(req.Address)); err != nil {
		return err
	}
	render.NoContent(w, r)
	return nil
}

func (s *Server) handleRemoveReporter(w http.ResponseWriter, r *http.Request) error {
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		return badRequest("invalid_address", fmt.Errorf("%q is not a hex address", addr))
	}
	if err := s.orcl.RemoveReporter(common.HexToAddress(addr)); err != nil {
		return err
	}
	render.NoContent(w, r)
	return nil
}

func (s *Server) handleSetQuorum(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Quorum int `json:"quorum"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		return badRequest("invalid_request", err)
	}
	if err := s.orcl.SetQuorum(req.Quorum); err != nil {
		return err
	}
	render.NoContent(w, r)
	return nil
}

func (s *Server) handleSetStaleness(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		MaxStalenessSeconds uint64 `json:"maxStalenessSeconds"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		return badRequest("invalid_request", err)
	}
	s.orcl.SetMaxStaleness(req.MaxStalenessSeconds)
	render.NoContent(w, r)
	return nil
}

func (s *Server) handleSetDeviation(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		MaxDeviationPPB uint64 `json:"maxDeviationPPB"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		return badRequest("invalid_request", err)
	}
	s.orcl.SetMaxDeviationPPB(req.MaxDeviationPPB)
	render.NoContent(w, r)
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	checks := s.HealthReport()
	if s.health != nil {
		services.CopyHealth(checks, s.health())
	}

	healthy := true
	rendered := make(map[string]string, len(checks))
	for name, err := range checks {
		if err != nil {
			healthy = false
			rendered[name] = err.Error()
			continue
		}
		rendered[name] = "ok"
	}
	if !healthy {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, HealthResponse{Healthy: healthy, Checks: rendered})
}

func roundResponse(round oracle.Round) RoundResponse {
	return RoundResponse{
		RoundID:   round.RoundID,
		Price:     round.Price.String(),
		Timestamp: round.Timestamp,
	}
}
