package cli

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/liftsync/internal/backend"
	"github.com/alexjbarnes/liftsync/internal/config"
	errs "github.com/alexjbarnes/liftsync/internal/errors"
)

func wsConfig(url string) *config.Config {
	return &config.Config{
		BackendTransport: config.TransportWS,
		BackendURL:       url,
		BackendTimeout:   time.Second,
		DeviceName:       "test",
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestDialBackend_WSStartsOfflineWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	b, err := dialBackend(context.Background(), wsConfig(url), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	c, ok := b.(*backend.WSClient)
	require.True(t, ok)
	t.Cleanup(func() { c.Close() })

	assert.ErrorIs(t, c.Ping(context.Background()), errs.ErrRemoteOperation)
}

func TestDialBackend_WSRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}

		conn.Write(r.Context(), websocket.MessageText, []byte(`{"res":"err","error":"bad token"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := dialBackend(context.Background(), wsConfig(wsURL(srv)), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}
