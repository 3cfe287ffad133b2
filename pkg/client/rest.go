package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/iXsystems/truenas-iscsi/pkg/wire"
)

const maxErrorBody = 4096

// restTransport issues one stateless HTTP request per call.
type restTransport struct {
	base   url.URL
	apiKey string
	http   *http.Client
}

func newRESTTransport(cfg Config) *restTransport {
	return &restTransport{
		base: url.URL{
			Scheme: cfg.Scheme,
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Path:   cfg.RESTPath,
		},
		apiKey: cfg.APIKey,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     cfg.TLSConfig,
				TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
			},
		},
	}
}

func (t *restTransport) Call(ctx context.Context, req *Request, result any) error {
	if req.REST == nil {
		return fmt.Errorf("%s: %w", req.Method, ErrNoRESTRoute)
	}
	route := req.REST

	u := t.base.JoinPath(route.Path)
	if len(route.Query) > 0 {
		u.RawQuery = route.Query.Encode()
	}

	var body io.Reader
	if route.Body != nil {
		data, err := json.Marshal(route.Body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", req.Method, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, route.Verb, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", req.Method, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return &ConnectionError{Op: "http", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, wire.DefaultReadLimit))
	if err != nil {
		return &ConnectionError{Op: "read", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if result != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", req.Method, err)
		}
	}
	return nil
}

// errorMessage extracts a readable message from a REST error body.
func errorMessage(data []byte) string {
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}

func (t *restTransport) Close() error {
	t.http.CloseIdleConnections()
	return nil
}
