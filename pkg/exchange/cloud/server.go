// Package cloud implements the centralized HTTP exchange: a fasthttp server
// hosting mailboxes for multi-process deployments, and the client transport
// that talks to it.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/logging"
	"github.com/proxystore/academy/pkg/metrics"
	"github.com/proxystore/academy/pkg/tracing"
)

// principalKey is the request user-value under which the auth middleware
// stores the caller's principal. Handlers read the principal only from here,
// so callers cannot spoof identities via headers.
const principalKey = "academy-principal"

func principal(ctx *fasthttp.RequestCtx) string {
	p, _ := ctx.UserValue(principalKey).(string)
	return p
}

// Server is the HTTP exchange server.
type Server struct {
	config  ServingConfig
	manager *mailboxManager
	router  *router
	server  *fasthttp.Server
	logger  logging.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
	ln net.Listener
}

// NewServer builds a server from the config. A nil logger falls back to one
// built from the config's log level and file.
func NewServer(config ServingConfig, logger logging.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid serving config: %w", err)
	}
	if config.MaxRecvWait <= 0 {
		config.MaxRecvWait = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger(logging.Config{
			Level: logging.ParseLevel(config.LogLevel),
			File:  config.LogFile,
		})
	}

	s := &Server{
		config:  config,
		manager: newMailboxManager(logger),
		router:  newRouter(),
		logger:  logger,
		metrics: metrics.Get(),
	}

	s.router.Use(s.observe)
	if config.Auth != nil {
		authenticator, err := NewAuthenticator(config.Auth)
		if err != nil {
			return nil, err
		}
		s.router.Use(authMiddleware(authenticator))
	}

	s.router.Handle(fasthttp.MethodPost, "/mailbox", s.handleCreateMailbox)
	s.router.Handle(fasthttp.MethodDelete, "/mailbox", s.handleTerminate)
	s.router.Handle(fasthttp.MethodGet, "/mailbox", s.handleCheckMailbox)
	s.router.Handle(fasthttp.MethodPut, "/message", s.handleSendMessage)
	s.router.Handle(fasthttp.MethodGet, "/message", s.handleRecvMessage)
	s.router.Handle(fasthttp.MethodGet, "/discover", s.handleDiscover)

	s.server = &fasthttp.Server{
		Handler:               s.router.ServeFastHTTP,
		NoDefaultServerHeader: true,
		ReadTimeout:           config.MaxRecvWait + 10*time.Second,
		WriteTimeout:          config.MaxRecvWait + 10*time.Second,
	}
	return s, nil
}

// Manager access for the ops listener's websocket stream.
func (s *Server) mailboxes() *mailboxManager { return s.manager }

// Serve accepts connections on ln until Shutdown. TLS is enabled when the
// config carries a certificate pair.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Infof("exchange listening on %s", ln.Addr())
	if s.config.CertFile != "" {
		return s.server.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
	}
	return s.server.Serve(ln)
}

// ListenAndServe binds the configured host/port and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return fmt.Errorf("bind exchange listener: %w", err)
	}
	return s.Serve(ln)
}

// Addr returns the bound address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown drains connections and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.ShutdownWithContext(ctx)
}

// observe wraps every route with metrics and a span.
func (s *Server) observe(next RequestHandler) RequestHandler {
	return func(ctx *fasthttp.RequestCtx) error {
		started := time.Now()
		method := string(ctx.Method())
		path := string(ctx.Path())

		_, span := tracing.StartSpan(context.Background(), "exchange."+method+" "+path)
		defer span.End()

		err := next(ctx)

		status := ctx.Response.StatusCode()
		span.SetAttributes(attribute.Int("http.status_code", status))
		s.metrics.RecordHTTPRequest(method, path, fmt.Sprintf("%d", status), time.Since(started))
		return err
	}
}

// authMiddleware maps credentials to a principal, rejecting callers the
// authenticator refuses. Without this middleware every request keeps the
// implicit empty principal.
func authMiddleware(authenticator Authenticator) Middleware {
	return func(next RequestHandler) RequestHandler {
		return func(ctx *fasthttp.RequestCtx) error {
			authorization := string(ctx.Request.Header.Peek("Authorization"))
			p, err := authenticator.Authenticate(authorization)
			switch {
			case errors.Is(err, exchange.ErrForbidden):
				writeError(ctx, fasthttp.StatusForbidden, codeForbidden, "token expired or revoked")
				return nil
			case err != nil:
				writeError(ctx, fasthttp.StatusUnauthorized, codeUnauthorized, "missing or invalid credentials")
				return nil
			}
			ctx.SetUserValue(principalKey, p)
			return next(ctx)
		}
	}
}

// mailboxRequest is the shared body for the /mailbox resource. Behavior is
// the comma-joined MRO, present only when registering agents.
type mailboxRequest struct {
	Mailbox  string `json:"mailbox"`
	Behavior string `json:"behavior,omitempty"`
}

func (s *Server) handleCreateMailbox(ctx *fasthttp.RequestCtx) error {
	var req mailboxRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, codeBadRequest, "missing or invalid mailbox ID")
		return nil
	}
	eid, err := identifier.Parse(req.Mailbox)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, codeBadRequest, "missing or invalid mailbox ID")
		return nil
	}
	var mro []string
	if req.Behavior != "" {
		mro = splitMRO(req.Behavior)
	}
	if err := s.manager.createMailbox(principal(ctx), eid, mro); err != nil {
		writeError(ctx, fasthttp.StatusForbidden, codeForbidden, "incorrect permissions")
		return nil
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	return nil
}

func (s *Server) handleTerminate(ctx *fasthttp.RequestCtx) error {
	var req mailboxRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, codeBadRequest, "missing or invalid mailbox ID")
		return nil
	}
	eid, err := identifier.Parse(req.Mailbox)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, codeBadRequest, "missing or invalid mailbox ID")
		return nil
	}
	if err := s.manager.terminate(principal(ctx), eid.UUID()); err != nil {
		writeError(ctx, fasthttp.StatusForbidden, codeForbidden, "incorrect permissions")
		return nil
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	return nil
}

func (s *Server) handleCheckMailbox(ctx *fasthttp.RequestCtx) error {
	var req mailboxRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, codeBadRequest, "missing or invalid mailbox ID")
		return nil
	}
	eid, err := identifier.Parse(req.Mailbox)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, codeBadRequest, "missing or invalid mailbox ID")
		return nil
	}
	status, err := s.manager.checkMailbox(principal(ctx), eid.UUID())
	if err != nil {
		writeError(ctx, fasthttp.StatusForbidden, codeForbidden, "incorrect permissions")
		return nil
	}
	return writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": status.String()})
}

func (s *Server) handleSendMessage(ctx *fasthttp.RequestCtx) error {
	var req messageEnvelope
	if err := readJSON(ctx, &req); err != nil || req.Message == nil {
		writeError(ctx, fasthttp.StatusBadRequest, codeBadRequest, "missing or invalid message")
		return nil
	}
	err := s.manager.put(principal(ctx), req.Message)
	switch {
	case errors.Is(err, exchange.ErrBadEntityID):
		writeError(ctx, fasthttp.StatusNotFound, codeBadEntityID, "unknown mailbox ID")
	case errors.Is(err, exchange.ErrMailboxClosed):
		writeError(ctx, fasthttp.StatusForbidden, codeMailboxClosed, "mailbox was closed")
	case errors.Is(err, exchange.ErrForbidden):
		writeError(ctx, fasthttp.StatusForbidden, codeForbidden, "incorrect permissions")
	case err != nil:
		return err
	default:
		ctx.SetStatusCode(fasthttp.StatusOK)
	}
	return nil
}

// recvRequest carries the mailbox and an optional timeout in seconds. The
// server clamps the wait to MaxRecvWait regardless of what the caller asks
// for.
type recvRequest struct {
	Mailbox string   `json:"mailbox"`
	Timeout *float64 `json:"timeout,omitempty"`
}

func (s *Server) handleRecvMessage(ctx *fasthttp.RequestCtx) error {
	var req recvRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, codeBadRequest, "missing or invalid mailbox ID")
		return nil
	}
	eid, err := identifier.Parse(req.Mailbox)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, codeBadRequest, "missing or invalid mailbox ID")
		return nil
	}

	wait := s.config.MaxRecvWait
	if req.Timeout != nil {
		requested := time.Duration(*req.Timeout * float64(time.Second))
		if requested < 0 {
			requested = 0
		}
		if requested < wait {
			wait = requested
		}
	}

	msg, err := s.manager.get(principal(ctx), eid.UUID(), wait)
	switch {
	case errors.Is(err, exchange.ErrBadEntityID):
		writeError(ctx, fasthttp.StatusNotFound, codeBadEntityID, "unknown mailbox ID")
	case errors.Is(err, exchange.ErrMailboxClosed):
		writeError(ctx, fasthttp.StatusForbidden, codeMailboxClosed, "mailbox was closed")
	case errors.Is(err, exchange.ErrForbidden):
		writeError(ctx, fasthttp.StatusForbidden, codeForbidden, "incorrect permissions")
	case errors.Is(err, exchange.ErrRecvTimeout):
		writeError(ctx, fasthttp.StatusRequestTimeout, codeTimeout, "request timeout")
	case err != nil:
		return err
	default:
		return writeJSON(ctx, fasthttp.StatusOK, messageEnvelope{Message: msg})
	}
	return nil
}

type discoverRequest struct {
	Behavior        string `json:"behavior"`
	AllowSubclasses bool   `json:"allow_subclasses"`
}

func (s *Server) handleDiscover(ctx *fasthttp.RequestCtx) error {
	var req discoverRequest
	if err := readJSON(ctx, &req); err != nil || req.Behavior == "" {
		writeError(ctx, fasthttp.StatusBadRequest, codeBadRequest, "missing or invalid arguments")
		return nil
	}
	found := s.manager.discover(principal(ctx), req.Behavior, req.AllowSubclasses)
	ids := make([]string, 0, len(found))
	for _, aid := range found {
		ids = append(ids, aid.String())
	}
	return writeJSON(ctx, fasthttp.StatusOK, map[string][]string{"agent_ids": ids})
}
