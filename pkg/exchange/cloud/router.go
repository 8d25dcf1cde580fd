package cloud

import (
	"fmt"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/proxystore/academy/pkg/message"
)

// RequestHandler handles one exchange HTTP request.
type RequestHandler func(ctx *fasthttp.RequestCtx) error

// Middleware wraps a handler. Global middleware is applied outermost in
// registration order.
type Middleware func(next RequestHandler) RequestHandler

// router is a minimal method+path dispatcher for the exchange's fixed
// resource set.
type router struct {
	mu         sync.RWMutex
	routes     map[string]RequestHandler
	middleware []Middleware
}

func newRouter() *router {
	return &router{routes: make(map[string]RequestHandler)}
}

func routeKey(method, path string) string { return method + " " + path }

// Handle registers a handler for a method and path.
func (r *router) Handle(method, path string, handler RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey(method, path)] = handler
}

// Use appends global middleware.
func (r *router) Use(middleware ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, middleware...)
}

// ServeFastHTTP dispatches a request, applying the middleware chain.
func (r *router) ServeFastHTTP(ctx *fasthttp.RequestCtx) {
	r.mu.RLock()
	handler, ok := r.routes[routeKey(string(ctx.Method()), string(ctx.Path()))]
	middleware := r.middleware
	r.mu.RUnlock()

	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, codeBadRequest, "no such resource")
		return
	}
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	if err := handler(ctx); err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, codeInternal, err.Error())
	}
}

// Wire-level error codes surfaced in JSON bodies so clients can map
// failures back to typed errors without parsing human text.
const (
	codeBadRequest    = "BAD_REQUEST"
	codeUnauthorized  = "UNAUTHORIZED"
	codeForbidden     = "FORBIDDEN"
	codeBadEntityID   = "BAD_ENTITY_ID"
	codeMailboxClosed = "MAILBOX_CLOSED"
	codeTimeout       = "TIMEOUT"
	codeInternal      = "INTERNAL"
)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) error {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, err := jsonEncode(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = ctx.Write(data)
	return err
}

func writeError(ctx *fasthttp.RequestCtx, status int, code, msg string) {
	_ = writeJSON(ctx, status, errorBody{Code: code, Error: msg})
}

func readJSON(ctx *fasthttp.RequestCtx, v interface{}) error {
	body := ctx.Request.Body()
	if len(body) == 0 {
		return fmt.Errorf("empty request body")
	}
	return jsonDecode(body, v)
}

// messageEnvelope is the {"message": ...} body shared by PUT and GET
// /message.
type messageEnvelope struct {
	Message *message.Message `json:"message"`
}
