package client

import (
	"context"
	"net/url"
)

// Transport carries one call to the appliance and decodes its result.
type Transport interface {
	Call(ctx context.Context, req *Request, result any) error
	Close() error
}

// Request is one appliance call. Method and Params form the JSON-RPC
// envelope; REST, when set, is the equivalent REST call used by the REST
// transport and as the WebSocket fallback.
type Request struct {
	Method string
	Params []any
	REST   *RESTRoute
}

// RESTRoute describes a call against the versioned REST API.
type RESTRoute struct {
	Verb  string
	Path  string
	Query url.Values
	Body  any
}
