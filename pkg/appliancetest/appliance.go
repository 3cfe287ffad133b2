// Package appliancetest provides an in-memory TrueNAS appliance serving the
// JSON-RPC WebSocket API and the REST API from one httptest server.
package appliancetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// APIKey is the key the fake accepts.
	APIKey = "1-test-api-key"

	// DefaultBasename is the iSCSI global basename.
	DefaultBasename = "iqn.2005-10.org.freenas.ctl"

	codeNotFound   = -6
	codeNoMethod   = -32601
	codeInvalid    = 22
	codeNotAuthed  = 13
	wsReadLimit    = 16 * 1024 * 1024
	methodAuth     = "auth.login_with_api_key"
	restBase       = "/api/v2.0"
	websocketRoute = "/api/current"
)

// Fault is an injected failure for one call.
type Fault struct {
	Code    int
	Message string
	// Drop closes the WebSocket without answering (503 over REST).
	Drop bool
	// Delay holds the answer back. With no Code and no Drop the call then
	// runs normally.
	Delay time.Duration
}

// Dataset is a stored dataset or zvol.
type Dataset struct {
	Name           string
	Type           string
	Volsize        int64
	Available      int64
	RefReservation int64
	Sparse         bool
	Volblocksize   string
}

// Target is a stored iSCSI target.
type Target struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Alias string `json:"alias"`
	Mode  string `json:"mode"`
}

// Extent is a stored iSCSI extent.
type Extent struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Disk      string `json:"disk"`
	BlockSize int    `json:"blocksize"`
	Enabled   bool   `json:"enabled"`
}

// Mapping is a stored target/extent association.
type Mapping struct {
	ID     int `json:"id"`
	Target int `json:"target"`
	Extent int `json:"extent"`
	LunID  int `json:"lunid"`
}

// Snapshot is a stored snapshot.
type Snapshot struct {
	ID      string `json:"id"`
	Dataset string `json:"dataset"`
	Name    string `json:"name"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcRequest struct {
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	JSONRPC string            `json:"jsonrpc"`
}

type rpcResponse struct {
	ID      uint64    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	JSONRPC string    `json:"jsonrpc"`
}

type handlerFunc func(params []json.RawMessage) (any, *rpcError)

// Appliance is the fake. All exported methods are safe for concurrent use.
type Appliance struct {
	srv      *httptest.Server
	handlers map[string]handlerFunc

	mu        sync.Mutex
	basename  string
	services  map[string]string
	datasets  map[string]*Dataset
	targets   map[int]*Target
	extents   map[int]*Extent
	mappings  map[int]*Mapping
	snapshots map[string]*Snapshot
	nextID    int
	faults    map[string][]Fault
	disabled  map[string]bool
	calls     map[string]int

	wsDown        atomic.Bool
	notifications atomic.Bool
}

// New starts a fake appliance with a RUNNING iSCSI service and no storage.
// It is closed when the test ends.
func New(t testing.TB) *Appliance {
	a := &Appliance{
		basename:  DefaultBasename,
		services:  map[string]string{"iscsitarget": "RUNNING"},
		datasets:  make(map[string]*Dataset),
		targets:   make(map[int]*Target),
		extents:   make(map[int]*Extent),
		mappings:  make(map[int]*Mapping),
		snapshots: make(map[string]*Snapshot),
		faults:    make(map[string][]Fault),
		disabled:  make(map[string]bool),
		calls:     make(map[string]int),
	}
	a.handlers = map[string]handlerFunc{
		"core.ping":                 a.ping,
		"core.get_methods":          a.getMethods,
		"service.query":             a.serviceQuery,
		"iscsi.global.config":       a.globalConfig,
		"iscsi.target.query":        a.targetQuery,
		"iscsi.extent.query":        a.extentQuery,
		"iscsi.extent.create":       a.extentCreate,
		"iscsi.extent.delete":       a.extentDelete,
		"iscsi.targetextent.query":  a.mappingQuery,
		"iscsi.targetextent.create": a.mappingCreate,
		"iscsi.targetextent.delete": a.mappingDelete,
		"pool.dataset.get_instance": a.datasetGet,
		"pool.dataset.create":       a.datasetCreate,
		"pool.dataset.update":       a.datasetUpdate,
		"pool.dataset.delete":       a.datasetDelete,
		"pool.snapshot.create":      a.snapshotCreate,
		"pool.snapshot.delete":      a.snapshotDelete,
		"pool.snapshot.query":       a.snapshotQuery,
		"pool.snapshot.clone":       a.snapshotClone,
		"pool.snapshot.rollback":    a.snapshotRollback,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(websocketRoute, a.serveWS)
	a.registerREST(mux)
	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

// Host returns the listener host.
func (a *Appliance) Host() string {
	host, _, _ := net.SplitHostPort(a.srv.Listener.Addr().String())
	return host
}

// Port returns the listener port.
func (a *Appliance) Port() int {
	_, port, _ := net.SplitHostPort(a.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// AddDataset stores a filesystem dataset with the given available space.
func (a *Appliance) AddDataset(name string, available int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.datasets[name] = &Dataset{Name: name, Type: "FILESYSTEM", Available: available}
}

// AddTarget stores a target and returns its id.
func (a *Appliance) AddTarget(name, alias string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.targets[a.nextID] = &Target{ID: a.nextID, Name: name, Alias: alias, Mode: "ISCSI"}
	return a.nextID
}

// AddMapping stores a mapping directly, for pre-existing LUNs.
func (a *Appliance) AddMapping(target, extent, lun int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.mappings[a.nextID] = &Mapping{ID: a.nextID, Target: target, Extent: extent, LunID: lun}
	return a.nextID
}

// SetServiceState sets the state reported by service.query.
func (a *Appliance) SetServiceState(service, state string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services[service] = state
}

// SetAvailable overrides the free space of a dataset.
func (a *Appliance) SetAvailable(name string, available int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ds, ok := a.datasets[name]; ok {
		ds.Available = available
	}
}

// FailNext queues faults returned by the next calls of method, in order.
func (a *Appliance) FailNext(method string, faults ...Fault) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults[method] = append(a.faults[method], faults...)
}

// Disable removes method from the catalog; calling it fails with method-not-found.
func (a *Appliance) Disable(method string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled[method] = true
}

// SetWebSocketDown makes WebSocket upgrades fail with 503.
func (a *Appliance) SetWebSocketDown(down bool) {
	a.wsDown.Store(down)
}

// SendNotifications makes the WebSocket side emit an unsolicited event
// before every response.
func (a *Appliance) SendNotifications(on bool) {
	a.notifications.Store(on)
}

// Calls returns how many times method was invoked over transport ("ws" or
// "rest"); an empty transport counts both.
func (a *Appliance) Calls(transport, method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if transport == "" {
		return a.calls["ws:"+method] + a.calls["rest:"+method]
	}
	return a.calls[transport+":"+method]
}

// Dataset returns a copy of the stored dataset.
func (a *Appliance) Dataset(name string) (Dataset, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ds, ok := a.datasets[name]
	if !ok {
		return Dataset{}, false
	}
	return *ds, true
}

// Extents returns the stored extents ordered by id.
func (a *Appliance) Extents() []Extent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedValues(a.extents)
}

// Mappings returns the stored mappings ordered by id.
func (a *Appliance) Mappings() []Mapping {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedValues(a.mappings)
}

// Snapshots returns the stored snapshot ids, sorted.
func (a *Appliance) Snapshots() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.snapshots))
	for id := range a.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedValues[T any](m map[int]*T) []T {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, *m[k])
	}
	return out
}

// invoke runs one call. drop reports an injected connection drop.
func (a *Appliance) invoke(transport, method string, params []json.RawMessage) (result any, rerr *rpcError, drop bool) {
	a.mu.Lock()
	a.calls[transport+":"+method]++
	if queue := a.faults[method]; len(queue) > 0 {
		f := queue[0]
		a.faults[method] = queue[1:]
		a.mu.Unlock()
		time.Sleep(f.Delay)
		if f.Drop {
			return nil, nil, true
		}
		if f.Code != 0 {
			return nil, &rpcError{Code: f.Code, Message: f.Message}, false
		}
		a.mu.Lock()
	}
	disabled := a.disabled[method]
	a.mu.Unlock()

	h, ok := a.handlers[method]
	if !ok || disabled {
		return nil, &rpcError{Code: codeNoMethod, Message: fmt.Sprintf("Method %q not found", method)}, false
	}
	result, rerr = h(params)
	return result, rerr, false
}

func (a *Appliance) serveWS(w http.ResponseWriter, r *http.Request) {
	if a.wsDown.Load() {
		http.Error(w, "websocket unavailable", http.StatusServiceUnavailable)
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled})
	if err != nil {
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(wsReadLimit)

	ctx := r.Context()
	authed := false
	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, c, &req); err != nil {
			return
		}

		resp := rpcResponse{ID: req.ID, JSONRPC: "2.0"}
		switch {
		case req.Method == methodAuth:
			var key string
			if len(req.Params) > 0 {
				json.Unmarshal(req.Params[0], &key)
			}
			authed = key == APIKey
			resp.Result = authed
		case !authed:
			resp.Error = &rpcError{Code: codeNotAuthed, Message: "Not authorized"}
		default:
			result, rerr, drop := a.invoke("ws", req.Method, req.Params)
			if drop {
				return
			}
			if rerr != nil {
				resp.Error = rerr
			} else {
				resp.Result = nullable(result)
			}
		}

		if a.notifications.Load() {
			if err := writeJSON(ctx, c, map[string]any{"jsonrpc": "2.0", "method": "collection_update", "params": map[string]any{"msg": "changed"}}); err != nil {
				return
			}
		}
		if err := writeJSON(ctx, c, resp); err != nil {
			return
		}
	}
}

// writeJSON sends v as one unfragmented text frame.
func writeJSON(ctx context.Context, c *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

// nullable keeps "result": null out of omitempty's way for calls with no result.
func nullable(v any) any {
	if v == nil {
		return json.RawMessage("null")
	}
	return v
}

func statusFor(e *rpcError) int {
	msg := strings.ToLower(e.Message)
	switch {
	case e.Code == codeNoMethod:
		return http.StatusNotImplemented
	case e.Code == codeNotFound || strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found"):
		return http.StatusNotFound
	case strings.Contains(msg, "rate limit"):
		return http.StatusTooManyRequests
	case e.Code == codeNotAuthed || strings.Contains(msg, "not authorized"):
		return http.StatusForbidden
	case e.Code == -1 || strings.Contains(msg, "unavailable"):
		return http.StatusServiceUnavailable
	}
	return http.StatusUnprocessableEntity
}

// restCall adapts an HTTP request into invoke parameters.
func (a *Appliance) restCall(method string, params func(r *http.Request, body json.RawMessage) []json.RawMessage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+APIKey {
			writeHTTPError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		var body json.RawMessage
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&body)
		}
		var p []json.RawMessage
		if params != nil {
			p = params(r, body)
		}

		result, rerr, drop := a.invoke("rest", method, p)
		if drop {
			writeHTTPError(w, http.StatusServiceUnavailable, "connection dropped")
			return
		}
		if rerr != nil {
			writeHTTPError(w, statusFor(rerr), rerr.Message)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func writeHTTPError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

func raw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func bodyParam(_ *http.Request, body json.RawMessage) []json.RawMessage {
	return []json.RawMessage{body}
}

func idParam(r *http.Request, body json.RawMessage) []json.RawMessage {
	params := []json.RawMessage{raw(pathID(r))}
	if len(body) > 0 {
		params = append(params, body)
	}
	return params
}

// pathID returns the {id} path value, as a number when it is one.
func pathID(r *http.Request) any {
	id := r.PathValue("id")
	if n, err := strconv.Atoi(id); err == nil {
		return n
	}
	return id
}

func filterParam(field string) func(r *http.Request, _ json.RawMessage) []json.RawMessage {
	return func(r *http.Request, _ json.RawMessage) []json.RawMessage {
		filters := [][]any{}
		if v := r.URL.Query().Get(field); v != "" {
			filters = append(filters, []any{field, "=", v})
		}
		return []json.RawMessage{raw(filters), raw(map[string]any{})}
	}
}

func (a *Appliance) registerREST(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"GET /core/ping":                       a.restCall("core.ping", nil),
		"POST /core/get_methods":               a.restCall("core.get_methods", nil),
		"GET /service":                         a.restCall("service.query", filterParam("service")),
		"GET /iscsi/global":                    a.restCall("iscsi.global.config", nil),
		"GET /iscsi/target":                    a.restCall("iscsi.target.query", nil),
		"GET /iscsi/extent":                    a.restCall("iscsi.extent.query", nil),
		"POST /iscsi/extent":                   a.restCall("iscsi.extent.create", bodyParam),
		"DELETE /iscsi/extent/id/{id}":         a.restCall("iscsi.extent.delete", idParam),
		"GET /iscsi/targetextent":              a.restCall("iscsi.targetextent.query", nil),
		"POST /iscsi/targetextent":             a.restCall("iscsi.targetextent.create", bodyParam),
		"DELETE /iscsi/targetextent/id/{id}":   a.restCall("iscsi.targetextent.delete", idParam),
		"POST /pool/dataset":                   a.restCall("pool.dataset.create", bodyParam),
		"GET /pool/dataset/id/{id}":            a.restCall("pool.dataset.get_instance", idParam),
		"PUT /pool/dataset/id/{id}":            a.restCall("pool.dataset.update", idParam),
		"DELETE /pool/dataset/id/{id}":         a.restCall("pool.dataset.delete", idParam),
		"GET /pool/snapshot":                   a.restCall("pool.snapshot.query", filterParam("dataset")),
		"POST /pool/snapshot":                  a.restCall("pool.snapshot.create", bodyParam),
		"POST /pool/snapshot/clone":            a.restCall("pool.snapshot.clone", bodyParam),
		"DELETE /pool/snapshot/id/{id}":        a.restCall("pool.snapshot.delete", idParam),
		"POST /pool/snapshot/id/{id}/rollback": a.restCall("pool.snapshot.rollback", idParam),
	}
	for pattern, h := range routes {
		verb, path, _ := strings.Cut(pattern, " ")
		mux.HandleFunc(verb+" "+restBase+path, h)
	}
}
