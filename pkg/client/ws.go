package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/iXsystems/truenas-iscsi/pkg/wire"
)

const methodAuthLogin = "auth.login_with_api_key"

// wsConn is one authenticated WebSocket session. Calls are serialized:
// a request is written and frames are read until the matching response.
type wsConn struct {
	// sem holds the session for one call at a time; waiting on it honors
	// the caller's context.
	sem      chan struct{}
	inflight atomic.Int32
	conn     net.Conn
	br       *bufio.Reader
	nextID   uint64
	broken   atomic.Bool

	callTimeout time.Duration
	log         logr.Logger
}

// newWSDialer returns the DialFunc used by the connection cache.
func newWSDialer(cfg Config, log logr.Logger) DialFunc {
	return func(ctx context.Context, key ConnKey) (Conn, error) {
		return dialWS(ctx, cfg, key, log)
	}
}

func dialWS(ctx context.Context, cfg Config, key ConnKey, log logr.Logger) (*wsConn, error) {
	// Add timeout if context has no deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	addr := net.JoinHostPort(key.Host, strconv.Itoa(key.Port))
	log.V(logLevelInfo).Info("Connecting to TrueNAS", "address", addr, "scheme", key.Scheme)

	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if key.Scheme == "https" {
		tlsConfig := cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig.Clone()}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	br := bufio.NewReader(conn)
	if err := wire.Handshake(conn, br, &url.URL{Host: addr, Path: cfg.WSPath}, nil); err != nil {
		conn.Close()
		return nil, &ConnectionError{Op: "handshake", Err: err}
	}
	conn.SetDeadline(time.Time{})

	c := &wsConn{
		sem:         make(chan struct{}, 1),
		conn:        conn,
		br:          br,
		callTimeout: cfg.CallTimeout,
		log:         log,
	}

	var ok bool
	err = c.Call(ctx, &Request{Method: methodAuthLogin, Params: []any{cfg.APIKey}}, &ok)
	if err != nil {
		c.Close()
		if IsConnectionError(err) {
			return nil, err
		}
		return nil, &ConnectionError{Op: "auth", Err: fmt.Errorf("%w: %w", ErrAuthFailed, err)}
	}
	if !ok {
		c.Close()
		return nil, &ConnectionError{Op: "auth", Err: ErrAuthFailed}
	}

	log.V(logLevelInfo).Info("Connected to TrueNAS", "address", addr)
	return c, nil
}

// Call sends a JSON-RPC request and waits for the response with the same id.
func (c *wsConn) Call(ctx context.Context, req *Request, result any) error {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	// Giving up while another call holds the session leaves the stream
	// untouched, so the session stays usable.
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %w", req.Method, ErrSessionBusy, ctx.Err())
	}
	defer func() { <-c.sem }()

	if c.broken.Load() {
		return &ConnectionError{Op: "call", Err: ErrNotConnected}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.callTimeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	// Unblock the read if the caller gives up early.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.nextID++
	id := c.nextID
	params := req.Params
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(request{ID: id, Method: req.Method, Params: params, JSONRPC: jsonRPCVersion})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", req.Method, err)
	}

	if err := wire.WriteText(c.conn, payload); err != nil {
		return c.fail(ctx, "write", err)
	}

	for {
		frame, err := wire.ReadText(c.br, wire.DefaultReadLimit)
		if err != nil {
			return c.fail(ctx, "read", err)
		}

		var resp response
		if err := json.Unmarshal(frame, &resp); err != nil {
			return c.fail(ctx, "decode", err)
		}
		if resp.ID != id {
			c.log.V(logLevelDebug).Info("Skipping unrelated WebSocket message", "requestId", id, "messageId", resp.ID)
			continue
		}

		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", req.Method, err)
			}
		}
		return nil
	}
}

// fail marks the session unusable; the stream position is unknown after an I/O error.
func (c *wsConn) fail(ctx context.Context, op string, err error) error {
	c.broken.Store(true)
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &ConnectionError{Op: op, Err: err}
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.Call(ctx, &Request{Method: methodCorePing}, nil)
}

func (c *wsConn) Broken() bool {
	return c.broken.Load()
}

// Busy reports whether a call is using or waiting for the session.
func (c *wsConn) Busy() bool {
	return c.inflight.Load() > 0
}

func (c *wsConn) Close() error {
	c.broken.Store(true)
	return c.conn.Close()
}
