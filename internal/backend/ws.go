package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	wsReadLimit       = 8 * 1024 * 1024
	wsResponseTimeout = 30 * time.Second

	resOK  = "ok"
	resErr = "err"

	codeNotFound = "not_found"

	reconnectAttempts = 3
	reconnectMin      = 200 * time.Millisecond
	reconnectMax      = 2 * time.Second
)

var errConnClosed = fmt.Errorf("%w: websocket connection closed", errs.ErrRemoteOperation)

// wsConn abstracts the WebSocket connection for testing.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// wsRequest is a request frame. RequestID ties the response to it.
type wsRequest struct {
	Op        string             `json:"op"`
	RequestID string             `json:"requestId,omitempty"`
	Token     string             `json:"token,omitempty"`
	Device    string             `json:"device,omitempty"`
	Kind      models.EntityType  `json:"kind,omitempty"`
	ID        string             `json:"id,omitempty"`
	Fields    json.RawMessage    `json:"fields,omitempty"`
	Filter    *models.ListFilter `json:"filter,omitempty"`
}

// wsResponse is a response frame.
type wsResponse struct {
	RequestID string                `json:"requestId"`
	Res       string                `json:"res"`
	ID        string                `json:"id,omitempty"`
	Items     []models.RemoteEntity `json:"items,omitempty"`
	Error     string                `json:"error,omitempty"`
	Code      string                `json:"code,omitempty"`
}

// WSClient speaks the backend's websocket RPC protocol. A reader
// goroutine dispatches response frames to the waiting caller by request
// id; any number of calls may be in flight. A call made while the
// connection is down redials first, with a short exponential backoff.
type WSClient struct {
	url    string
	token  string
	device string
	logger *slog.Logger

	dial       func(ctx context.Context) (wsConn, error)
	newBackOff func() backoff.BackOff

	writeMu sync.Mutex
	dialMu  sync.Mutex

	mu      sync.Mutex
	conn    wsConn
	pending map[string]chan wsResponse
	closed  chan struct{}
	cancel  context.CancelFunc
	shut    bool

	seq atomic.Uint64
}

// NewWSClient creates a client for the websocket endpoint at url. Connect
// dials eagerly; otherwise the first call does.
func NewWSClient(url, token, device string, logger *slog.Logger) *WSClient {
	c := &WSClient{
		url:     url,
		token:   token,
		device:  device,
		logger:  logger,
		pending: make(map[string]chan wsResponse),
	}

	c.dial = c.dialWebsocket
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = reconnectMin
		b.MaxInterval = reconnectMax
		b.MaxElapsedTime = 0

		return backoff.WithMaxRetries(b, reconnectAttempts-1)
	}

	return c
}

func (c *WSClient) dialWebsocket(ctx context.Context) (wsConn, error) {
	c.logger.Debug("connecting", slog.String("url", c.url))

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// Connect dials the websocket, authenticates and starts the reader.
func (c *WSClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrRemoteOperation, err)
	}

	return c.attach(ctx, conn)
}

// live returns the current connection and its closed channel, or nil
// when there is no connection, its reader has exited or Close was called.
func (c *WSClient) live() (wsConn, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shut || c.closed == nil {
		return nil, nil
	}

	select {
	case <-c.closed:
		return nil, nil
	default:
		return c.conn, c.closed
	}
}

// ensureConnected returns a live connection, redialing when the previous
// one dropped or was never established. Auth failures are not retried.
func (c *WSClient) ensureConnected(ctx context.Context) (wsConn, chan struct{}, error) {
	if conn, closed := c.live(); conn != nil {
		return conn, closed, nil
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	// Another caller may have reconnected while we waited.
	if conn, closed := c.live(); conn != nil {
		return conn, closed, nil
	}

	c.mu.Lock()
	shut := c.shut
	c.mu.Unlock()

	if shut {
		return nil, nil, errConnClosed
	}

	attempt := 0

	err := backoff.Retry(func() error {
		attempt++

		err := c.Connect(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, errs.ErrUnauthorized) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		c.logger.Warn("websocket reconnect failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		return err
	}, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		return nil, nil, err
	}

	conn, closed := c.live()
	if conn == nil {
		return nil, nil, errConnClosed
	}

	return conn, closed, nil
}

// attach runs the init handshake on conn and starts the reader goroutine.
func (c *WSClient) attach(ctx context.Context, conn wsConn) error {
	conn.SetReadLimit(wsReadLimit)

	if err := c.writeJSON(ctx, conn, wsRequest{Op: "init", Token: c.token, Device: c.device}); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("%w: sending init: %w", errs.ErrRemoteOperation, err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("%w: reading auth response: %w", errs.ErrRemoteOperation, err)
	}

	var resp wsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("%w: decoding auth response: %w", errs.ErrRemoteOperation, err)
	}

	if resp.Res != resOK {
		conn.Close(websocket.StatusNormalClosure, "auth failed")
		return fmt.Errorf("%w: auth failed: %s", errs.ErrUnauthorized, resp.Error)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	closed := make(chan struct{})

	c.mu.Lock()
	prevConn, prevCancel := c.conn, c.cancel
	c.conn = conn
	c.closed = closed
	c.cancel = cancel
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		prevConn.Close(websocket.StatusGoingAway, "reconnecting")
	}

	go c.readLoop(readCtx, conn, closed)

	c.logger.Info("websocket authenticated", slog.String("url", c.url))

	return nil
}

// readLoop dispatches responses until the connection fails or is closed.
func (c *WSClient) readLoop(ctx context.Context, conn wsConn, closed chan struct{}) {
	defer close(closed)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}

			return
		}

		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		requestID := gjson.GetBytes(data, "requestId").String()
		if requestID == "" {
			// Heartbeat pongs and server notices carry no request id.
			c.logger.Debug("ignoring unsolicited frame", slog.String("op", gjson.GetBytes(data, "op").String()))
			continue
		}

		var resp wsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Debug("unparseable response frame", slog.Int("bytes", len(data)))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[requestID]
		delete(c.pending, requestID)
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("response for unknown request", slog.String("request_id", requestID))
			continue
		}

		ch <- resp
	}
}

// writeJSON marshals v to JSON and writes it to conn as a text frame.
func (c *WSClient) writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return conn.Write(ctx, websocket.MessageText, data)
}

// call sends req and waits for the matching response.
func (c *WSClient) call(ctx context.Context, req wsRequest) (wsResponse, error) {
	conn, closed, err := c.ensureConnected(ctx)
	if err != nil {
		return wsResponse{}, err
	}

	c.mu.Lock()
	req.RequestID = strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan wsResponse, 1)
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}

	if err := c.writeJSON(ctx, conn, req); err != nil {
		forget()
		return wsResponse{}, fmt.Errorf("%w: sending %s: %w", errs.ErrRemoteOperation, req.Op, err)
	}

	timer := time.NewTimer(wsResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return responseResult(req.Op, resp)
	case <-closed:
		// The reader may have delivered the response just before exiting.
		select {
		case resp := <-ch:
			return responseResult(req.Op, resp)
		default:
		}

		forget()
		return wsResponse{}, errConnClosed
	case <-timer.C:
		forget()
		return wsResponse{}, fmt.Errorf("%w: %s: timed out waiting for response", errs.ErrRemoteOperation, req.Op)
	case <-ctx.Done():
		forget()
		return wsResponse{}, ctx.Err()
	}
}

func responseResult(op string, resp wsResponse) (wsResponse, error) {
	if resp.Res != resErr {
		return resp, nil
	}

	sentinel := errs.ErrRemoteOperation
	if resp.Code == codeNotFound {
		sentinel = errs.ErrRemoteNotFound
	}

	return resp, fmt.Errorf("%w: %s: %s", sentinel, op, resp.Error)
}

// Close shuts down the connection and stops the reader. Later calls fail
// without redialing.
func (c *WSClient) Close() error {
	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.cancel = nil
	c.shut = true
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	return conn.Close(websocket.StatusNormalClosure, "bye")
}

// Create inserts a new remote entity and returns its backend id.
func (c *WSClient) Create(ctx context.Context, kind models.EntityType, fields json.RawMessage) (string, error) {
	return c.create(ctx, "create", kind, fields)
}

// CreateDirect inserts an execution record through the lightweight path.
func (c *WSClient) CreateDirect(ctx context.Context, kind models.EntityType, fields json.RawMessage) (string, error) {
	return c.create(ctx, "createDirect", kind, fields)
}

func (c *WSClient) create(ctx context.Context, op string, kind models.EntityType, fields json.RawMessage) (string, error) {
	resp, err := c.call(ctx, wsRequest{Op: op, Kind: kind, Fields: fields})
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", kind, err)
	}

	if resp.ID == "" {
		return "", fmt.Errorf("creating %s: %w: response has no id", kind, errs.ErrRemoteOperation)
	}

	return resp.ID, nil
}

// Update patches a remote entity.
func (c *WSClient) Update(ctx context.Context, kind models.EntityType, remoteID string, fields json.RawMessage) error {
	if _, err := c.call(ctx, wsRequest{Op: "update", Kind: kind, ID: remoteID, Fields: fields}); err != nil {
		return fmt.Errorf("updating %s %s: %w", kind, remoteID, err)
	}

	return nil
}

// Remove deletes a remote entity.
func (c *WSClient) Remove(ctx context.Context, kind models.EntityType, remoteID string) error {
	if _, err := c.call(ctx, wsRequest{Op: "remove", Kind: kind, ID: remoteID}); err != nil {
		return fmt.Errorf("removing %s %s: %w", kind, remoteID, err)
	}

	return nil
}

// List returns the remote entities of kind matching filter.
func (c *WSClient) List(ctx context.Context, kind models.EntityType, filter models.ListFilter) ([]models.RemoteEntity, error) {
	req := wsRequest{Op: "list", Kind: kind}
	if !filter.IsZero() {
		req.Filter = &filter
	}

	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}

	return resp.Items, nil
}

// Ping round-trips a request to check the connection is alive.
func (c *WSClient) Ping(ctx context.Context) error {
	if _, err := c.call(ctx, wsRequest{Op: "ping"}); err != nil {
		return fmt.Errorf("pinging backend: %w", err)
	}

	return nil
}
