package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/logging"
	"github.com/proxystore/academy/pkg/metrics"
)

// wsPoll bounds each dequeue attempt so the stream loop can notice a
// dropped peer between messages.
const wsPoll = time.Second

// OpsServer is the auxiliary net/http listener next to the fasthttp
// exchange: Prometheus metrics on /metrics and a websocket mailbox stream on
// /message/ws as a push alternative to long-poll recv.
type OpsServer struct {
	exchange      *Server
	authenticator Authenticator
	upgrader      websocket.Upgrader
	server        *http.Server
	logger        logging.Logger
}

// NewOpsServer builds the ops listener for an exchange server. The
// authenticator may be nil when the exchange runs without auth.
func NewOpsServer(exchangeServer *Server, authenticator Authenticator, logger logging.Logger) *OpsServer {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	o := &OpsServer{
		exchange:      exchangeServer,
		authenticator: authenticator,
		upgrader:      websocket.Upgrader{},
		logger:        logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/message/ws", o.handleMessageStream)
	o.server = &http.Server{Handler: mux}
	return o
}

// Serve accepts connections on ln until Shutdown.
func (o *OpsServer) Serve(ln net.Listener) error {
	o.logger.Infof("ops listener on %s", ln.Addr())
	err := o.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe binds the configured ops host/port and serves.
func (o *OpsServer) ListenAndServe(config OpsConfig) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", config.Host, config.Port))
	if err != nil {
		return fmt.Errorf("bind ops listener: %w", err)
	}
	return o.Serve(ln)
}

// Shutdown drains connections and stops the listener.
func (o *OpsServer) Shutdown(ctx context.Context) error {
	return o.server.Shutdown(ctx)
}

// handleMessageStream upgrades the connection and pushes every message
// delivered to the requested mailbox until the mailbox terminates or the
// peer goes away.
func (o *OpsServer) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	client := ""
	if o.authenticator != nil {
		p, err := o.authenticator.Authenticate(r.Header.Get("Authorization"))
		switch {
		case errors.Is(err, exchange.ErrForbidden):
			http.Error(w, "token expired or revoked", http.StatusForbidden)
			return
		case err != nil:
			http.Error(w, "missing or invalid credentials", http.StatusUnauthorized)
			return
		}
		client = p
	}

	eid, err := identifier.Parse(r.URL.Query().Get("mailbox"))
	if err != nil {
		http.Error(w, "missing or invalid mailbox ID", http.StatusBadRequest)
		return
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}
	go o.stream(conn, client, eid)
}

func (o *OpsServer) stream(conn *websocket.Conn, client string, eid identifier.EntityID) {
	defer conn.Close()
	manager := o.exchange.mailboxes()
	for {
		msg, err := manager.get(client, eid.UUID(), wsPoll)
		switch {
		case errors.Is(err, exchange.ErrRecvTimeout):
			// Idle poll; ping so a dead peer is noticed.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsPoll)); err != nil {
				return
			}
			continue
		case err != nil:
			closeCode := websocket.CloseNormalClosure
			if !errors.Is(err, exchange.ErrMailboxClosed) {
				closeCode = websocket.ClosePolicyViolation
			}
			deadline := time.Now().Add(wsPoll)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, err.Error()), deadline)
			return
		}
		if err := conn.WriteJSON(messageEnvelope{Message: msg}); err != nil {
			o.logger.Warnf("websocket stream to %s dropped: %v", eid, err)
			return
		}
	}
}
