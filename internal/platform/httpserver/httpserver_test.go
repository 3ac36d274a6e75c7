package httpserver

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAppliesTimeouts(t *testing.T) {
	srv := New(":8080", http.NotFoundHandler())
	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, 5*time.Second, srv.ReadHeaderTimeout)
}

func TestShutdownIdleServer(t *testing.T) {
	srv := New(":0", http.NotFoundHandler())
	assert.NoError(t, Shutdown(srv))
}
