package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

// Default configuration values
const (
	defaultCallTimeout         = 30 * time.Second
	defaultDialTimeout         = 30 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultPingTimeout         = 5 * time.Second
	defaultMaxConnAge          = time.Hour
	defaultResultTTL           = 60 * time.Second
	defaultMaxAttempts         = 3
	defaultBaseDelay           = time.Second
	defaultWSPath              = "/api/current"
	defaultRESTPath            = "/api/v2.0"
	jsonRPCVersion             = "2.0"

	minBaseDelay   = 100 * time.Millisecond
	maxBaseDelay   = 60 * time.Second
	maxMaxAttempts = 10

	// TrueNAS RPC error codes
	rpcErrCodeNotFound       = -6     // ENOENT - resource not found
	rpcErrCodeConnectionLost = -1     // Internal error for connection loss
	rpcErrCodeNoMethod       = -32601 // JSON-RPC method not found

	// Logging verbosity levels (for logr.Logger.V())
	// V(0) - Always logged (critical errors)
	// V(1) - General operational info (connection events, fallbacks, retries)
	// V(2) - Detailed diagnostics (per-attempt lines, cache hits)
	logLevelInfo  = 1
	logLevelDebug = 2
)

// Transport names accepted in Config.Transport.
const (
	TransportWS   = "ws"
	TransportREST = "rest"
)

// Sentinel errors
var (
	ErrNotConnected = errors.New("truenas: not connected")
	ErrAuthFailed   = errors.New("truenas: authentication failed")
	ErrClosed       = errors.New("truenas: client closed")
	ErrNotFound     = errors.New("truenas: resource not found")
	ErrNotSupported = errors.New("truenas: operation not supported by appliance")
	ErrNoRESTRoute  = errors.New("truenas: call has no REST equivalent")

	// ErrSessionBusy wraps the context error of a call that gave up while
	// waiting for a session another call was using.
	ErrSessionBusy = errors.New("truenas: session busy")
)

// Config holds configuration for the TrueNAS client.
type Config struct {
	Host string
	Port int
	// Scheme is "https" or "http". WebSocket calls use wss/ws accordingly.
	Scheme             string
	APIKey             string
	Transport          string
	TLSConfig          *tls.Config
	InsecureSkipVerify bool
	WSPath             string
	RESTPath           string
	CallTimeout        time.Duration
	// MaxAttempts bounds the retry loop (0-10). 0 and 1 both mean a single attempt.
	MaxAttempts int
	// BaseDelay is the first retry delay (0.1s-60s); it doubles per attempt.
	BaseDelay   time.Duration
	ResultTTL   time.Duration
	MaxConnAge  time.Duration
	PingTimeout time.Duration
	// Registerer receives the client's Prometheus collectors. Nil disables registration.
	Registerer prometheus.Registerer
	// Logger is an optional structured logger. If not provided, logging is disabled.
	Logger logr.Logger
}

func (c *Config) applyDefaults() {
	if c.Scheme == "" {
		c.Scheme = "https"
	}
	if c.Port == 0 {
		if c.Scheme == "http" {
			c.Port = 80
		} else {
			c.Port = 443
		}
	}
	if c.Transport == "" {
		c.Transport = TransportWS
	}
	if c.WSPath == "" {
		c.WSPath = defaultWSPath
	}
	if c.RESTPath == "" {
		c.RESTPath = defaultRESTPath
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.ResultTTL == 0 {
		c.ResultTTL = defaultResultTTL
	}
	if c.MaxConnAge == 0 {
		c.MaxConnAge = defaultMaxConnAge
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.TLSConfig == nil && c.InsecureSkipVerify {
		c.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
}

func (c *Config) validate() error {
	if c.Host == "" {
		return errors.New("truenas: host is required")
	}
	if c.APIKey == "" {
		return errors.New("truenas: API key is required")
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("truenas: unsupported scheme %q (want http or https)", c.Scheme)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("truenas: port %d out of range", c.Port)
	}
	if c.Transport != TransportWS && c.Transport != TransportREST {
		return fmt.Errorf("truenas: unsupported transport %q (want %s or %s)", c.Transport, TransportWS, TransportREST)
	}
	if c.MaxAttempts < 0 || c.MaxAttempts > maxMaxAttempts {
		return fmt.Errorf("truenas: max attempts %d out of range 0-%d", c.MaxAttempts, maxMaxAttempts)
	}
	if c.BaseDelay < minBaseDelay || c.BaseDelay > maxBaseDelay {
		return fmt.Errorf("truenas: base delay %s out of range %s-%s", c.BaseDelay, minBaseDelay, maxBaseDelay)
	}
	return nil
}

func (c *Config) key() ConnKey {
	return ConnKey{Host: c.Host, Port: c.Port, Scheme: c.Scheme}
}

// ConnectionError wraps connection-related errors.
type ConnectionError struct {
	Op  string // "dial", "handshake", "auth", "read", "write", "http"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("truenas: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is a connection-related error.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// RPCError represents a JSON-RPC error from TrueNAS.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("truenas: rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("truenas: rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) text() string {
	return strings.ToLower(e.Message + " " + string(e.Data))
}

// HTTPError is a non-2xx answer from the REST API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("truenas: http %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// ValidationError reports a request rejected before it was sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("truenas: invalid %s: %s", e.Field, e.Reason)
}

var notFoundMarkers = []string{"not found", "does not exist", "no such", "instancenotfound", "enoent"}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// IsNotFoundError checks if an error indicates a resource was not found.
// TrueNAS returns validation errors for get_instance when resource doesn't exist.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == rpcErrCodeNotFound || containsAny(rpcErr.text(), notFoundMarkers)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusNotFound ||
			containsAny(strings.ToLower(httpErr.Message), notFoundMarkers)
	}
	return false
}

// request represents a JSON-RPC request.
type request struct {
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	JSONRPC string `json:"jsonrpc"`
}

// response represents a JSON-RPC response.
type response struct {
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// Client is the TrueNAS API client. It owns the connection cache, the result
// cache and the call dispatcher; create one per process and Close it on exit.
type Client struct {
	config Config
	log    logr.Logger

	conns      *ConnectionCache
	results    *ResultCache
	dispatcher *Dispatcher

	closed atomic.Bool
}

// New creates a new TrueNAS client with the given configuration.
// No connection is opened until the first call.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Use discard logger if none provided
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	cfg.Logger = log

	metrics, err := newCallMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	conns := NewConnectionCache(ConnectionCacheConfig{
		Dial:        newWSDialer(cfg, log),
		MaxAge:      cfg.MaxConnAge,
		PingTimeout: cfg.PingTimeout,
		Logger:      log,
	})
	rest := newRESTTransport(cfg)

	return &Client{
		config:     cfg,
		log:        log,
		conns:      conns,
		results:    NewResultCache(cfg.ResultTTL, metrics),
		dispatcher: newDispatcher(cfg, conns, rest, metrics),
	}, nil
}

// Call invokes a typed request through the dispatcher.
func (c *Client) Call(ctx context.Context, req *Request, result any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.dispatcher.Call(ctx, req, result)
}

// Close closes the client permanently, closing every cached connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}
	c.log.V(logLevelInfo).Info("Closing TrueNAS client")
	return c.conns.Close()
}

// Ping checks if the server is responsive by calling core.ping.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, &Request{
		Method: methodCorePing,
		REST:   &RESTRoute{Verb: http.MethodGet, Path: "/core/ping"},
	}, nil)
}
