package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

// ConnKey identifies an appliance endpoint.
type ConnKey struct {
	Host   string
	Port   int
	Scheme string
}

func (k ConnKey) String() string {
	return k.Scheme + "://" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// Conn is a reusable transport session held by the ConnectionCache.
type Conn interface {
	Transport
	// Ping performs a trivial round trip.
	Ping(ctx context.Context) error
	// Broken reports whether an I/O error left the session unusable.
	Broken() bool
	// Busy reports whether a call is in flight on the session.
	Busy() bool
}

// DialFunc opens a new session for key.
type DialFunc func(ctx context.Context, key ConnKey) (Conn, error)

// ConnectionCacheConfig configures a ConnectionCache.
type ConnectionCacheConfig struct {
	Dial        DialFunc
	MaxAge      time.Duration
	PingTimeout time.Duration
	Logger      logr.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type cachedConn struct {
	conn    Conn
	created time.Time
}

// ConnectionCache reuses live sessions per endpoint. The mutex only guards
// the map; dialing and pinging happen outside it.
type ConnectionCache struct {
	dial        DialFunc
	maxAge      time.Duration
	pingTimeout time.Duration
	now         func() time.Time
	log         logr.Logger

	mu     sync.Mutex
	conns  map[ConnKey]*cachedConn
	closed bool

	dials singleflight.Group
}

func NewConnectionCache(cfg ConnectionCacheConfig) *ConnectionCache {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = defaultMaxConnAge
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &ConnectionCache{
		dial:        cfg.Dial,
		maxAge:      cfg.MaxAge,
		pingTimeout: cfg.PingTimeout,
		now:         cfg.Now,
		log:         log,
		conns:       make(map[ConnKey]*cachedConn),
	}
}

// Get returns a live session for key, dialing a new one when the cached
// session is missing, too old, broken, or fails its liveness ping.
func (c *ConnectionCache) Get(ctx context.Context, key ConnKey) (Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	entry := c.conns[key]
	c.mu.Unlock()

	if entry != nil {
		if c.healthy(ctx, key, entry) {
			return entry.conn, nil
		}
		c.discard(key, entry)
	}

	v, err, _ := c.dials.Do(key.String(), func() (any, error) {
		// A concurrent caller may have just stored a fresh session.
		c.mu.Lock()
		if e := c.conns[key]; e != nil && !e.conn.Broken() && c.now().Sub(e.created) < c.maxAge {
			c.mu.Unlock()
			return e.conn, nil
		}
		c.mu.Unlock()

		conn, err := c.dial(ctx, key)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			conn.Close()
			return nil, ErrClosed
		}
		c.conns[key] = &cachedConn{conn: conn, created: c.now()}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

func (c *ConnectionCache) healthy(ctx context.Context, key ConnKey, entry *cachedConn) bool {
	if age := c.now().Sub(entry.created); age >= c.maxAge {
		c.log.V(logLevelInfo).Info("Cached connection expired", "key", key.String(), "age", age)
		return false
	}
	if entry.conn.Broken() {
		return false
	}
	// An in-flight call marks the session broken itself if the stream fails.
	if entry.conn.Busy() {
		return true
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	err := entry.conn.Ping(pingCtx)
	if errors.Is(err, ErrSessionBusy) && !entry.conn.Broken() {
		return true
	}
	if err != nil {
		c.log.V(logLevelInfo).Info("Cached connection failed liveness ping", "key", key.String(), "error", err)
		return false
	}
	return true
}

func (c *ConnectionCache) discard(key ConnKey, entry *cachedConn) {
	c.mu.Lock()
	if c.conns[key] == entry {
		delete(c.conns, key)
	}
	c.mu.Unlock()
	entry.conn.Close()
}

// Evict drops conn from the cache if it is still the session stored for key.
func (c *ConnectionCache) Evict(key ConnKey, conn Conn) {
	c.mu.Lock()
	if e := c.conns[key]; e != nil && e.conn == conn {
		delete(c.conns, key)
	}
	c.mu.Unlock()
	conn.Close()
}

// Len returns the number of cached sessions.
func (c *ConnectionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close closes every cached session. Later Get calls fail with ErrClosed.
func (c *ConnectionCache) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[ConnKey]*cachedConn)
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for key, e := range conns {
		if err := e.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
