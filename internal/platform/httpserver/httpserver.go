// Package httpserver builds the API server with the timeouts this service
// runs with.
package httpserver

import (
	"context"
	"net/http"
	"time"
)

// ShutdownGrace bounds how long in-flight requests may drain on shutdown. A
// payout call cut off mid-flight is safe: the order stays executing and the
// retrier reconciles it through the gateway's idempotency key on the next
// start.
const ShutdownGrace = 10 * time.Second

// New builds the HTTP server for the given handler. The header read deadline
// keeps slow clients from pinning connections open.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Shutdown drains the server within ShutdownGrace.
func Shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	return srv.Shutdown(ctx)
}
