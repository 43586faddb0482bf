// Package http provides an HTTP client adaptor. Requests are built from
// the configuration key of the State; JSON responses land in data.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/ravi-parthasarathy/baton/pkg/adaptor"
	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// Name is the namespace of this adaptor.
const Name = "http"

// Version of the http adaptor.
var Version = semver.MustParse("1.1.0")

const defaultTimeout = 30 * time.Second

// Client issues the adaptor's requests.
type Client struct {
	HTTP *http.Client
}

// New returns the http adaptor backed by a default client.
func New() *adaptor.Adaptor {
	return NewWithClient(&http.Client{})
}

// NewWithClient returns the http adaptor backed by c.
func NewWithClient(c *http.Client) *adaptor.Adaptor {
	cl := &Client{HTTP: c}
	return &adaptor.Adaptor{
		Name:        Name,
		Version:     Version,
		Description: "HTTP requests against configuration.baseUrl",
		Funcs: map[string]adaptor.Func{
			"request": cl.Request,
			"get":     cl.method(http.MethodGet, false),
			"delete":  cl.method(http.MethodDelete, false),
			"post":    cl.method(http.MethodPost, true),
			"put":     cl.method(http.MethodPut, true),
			"patch":   cl.method(http.MethodPatch, true),
		},
	}
}

// Request builds request(method, path[, options]).
func (c *Client) Request(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 2, 3); err != nil {
		return nil, err
	}
	return pipeline.NewOperation("request", func(ctx context.Context, st state.State, a []any) (state.State, error) {
		method, err := adaptor.String(a[0], "method")
		if err != nil {
			return nil, err
		}
		opts, err := adaptor.Options(adaptor.Opt(a, 2), "options")
		if err != nil {
			return nil, err
		}
		return c.do(ctx, st, strings.ToUpper(method), a[1], opts["body"], opts)
	}, args...), nil
}

// method builds get(path[, options]) or, with a body, post(path, body[, options]).
func (c *Client) method(method string, withBody bool) adaptor.Func {
	return func(args ...any) (*pipeline.Operation, error) {
		lo, hi := 1, 2
		if withBody {
			lo, hi = 2, 3
		}
		if err := adaptor.Arity(args, lo, hi); err != nil {
			return nil, err
		}
		return pipeline.NewOperation(strings.ToLower(method), func(ctx context.Context, st state.State, a []any) (state.State, error) {
			var body any
			optIdx := 1
			if withBody {
				body, optIdx = a[1], 2
			}
			opts, err := adaptor.Options(adaptor.Opt(a, optIdx), "options")
			if err != nil {
				return nil, err
			}
			return c.do(ctx, st, method, a[0], body, opts)
		}, args...), nil
	}
}

func (c *Client) do(ctx context.Context, st state.State, method string, path, body any, opts map[string]any) (state.State, error) {
	conf, err := adaptor.Options(st[state.KeyConfiguration], "configuration")
	if err != nil {
		return nil, err
	}
	target, err := buildURL(conf, path, opts["query"])
	if err != nil {
		return nil, err
	}

	timeout := defaultTimeout
	if v, ok := opts["timeout"]; ok {
		if timeout, err = adaptor.Duration(v, "timeout"); err != nil {
			return nil, err
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
		contentType = "text/plain; charset=utf-8"
	default:
		plain, err := state.Plain(b)
		if err != nil {
			return nil, fmt.Errorf("request body: %w", err)
		}
		raw, err := json.Marshal(plain)
		if err != nil {
			return nil, fmt.Errorf("request body: %w", err)
		}
		reader = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if err := applyHeaders(req, conf["headers"]); err != nil {
		return nil, err
	}
	if err := applyHeaders(req, opts["headers"]); err != nil {
		return nil, err
	}
	if user, ok := conf["username"].(string); ok && user != "" {
		pass, _ := conf["password"].(string)
		req.SetBasicAuth(user, pass)
	} else if token, ok := conf["access_token"].(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	log := zerolog.Ctx(ctx)
	started := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, target, err)
	}
	log.Info().Str("method", method).Str("url", target).Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).Msg("http request")

	if resp.StatusCode >= 400 && adaptor.Bool(opts["errors"], true) {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, target, resp.StatusCode, msg)
	}

	data, err := decodeBody(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	st[state.KeyData] = data
	st[state.KeyResponse] = map[string]any{
		"status":  resp.StatusCode,
		"method":  method,
		"url":     target,
		"headers": headers,
	}
	return st, nil
}

// buildURL joins path onto configuration.baseUrl unless path is already
// absolute, then adds query parameters.
func buildURL(conf map[string]any, path any, query any) (string, error) {
	p, err := adaptor.String(path, "path")
	if err != nil {
		return "", err
	}
	u, err := url.Parse(p)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", p, err)
	}
	if !u.IsAbs() {
		base, _ := conf["baseUrl"].(string)
		if base == "" {
			return "", fmt.Errorf("relative path %q needs configuration.baseUrl", p)
		}
		b, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
		if err != nil {
			return "", fmt.Errorf("invalid baseUrl %q: %w", base, err)
		}
		u = b.ResolveReference(&url.URL{Path: strings.TrimPrefix(u.Path, "/"), RawQuery: u.RawQuery})
	}
	q, err := adaptor.Options(query, "query")
	if err != nil {
		return "", err
	}
	if len(q) > 0 {
		values := u.Query()
		for k, v := range q {
			s, err := adaptor.String(v, "query "+k)
			if err != nil {
				return "", err
			}
			values.Set(k, s)
		}
		u.RawQuery = values.Encode()
	}
	return u.String(), nil
}

func applyHeaders(req *http.Request, v any) error {
	h, err := adaptor.Options(v, "headers")
	if err != nil {
		return err
	}
	for k, val := range h {
		s, err := adaptor.String(val, "header "+k)
		if err != nil {
			return err
		}
		req.Header.Set(k, s)
	}
	return nil
}

// decodeBody returns JSON bodies as plain data and anything else as a
// string. An empty body is null.
func decodeBody(contentType string, raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt != "application/json" && !strings.HasSuffix(mt, "+json") {
		return string(raw), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json response: %w", err)
	}
	return state.Plain(v)
}
