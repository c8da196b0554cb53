// Package service implements the core proxy forwarding logic: validate the
// caller's intent, build the outbound request, sign it when asked to, and
// hand it to the upstream client.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gateio-proxy/internal/client"
	"gateio-proxy/internal/config"
	"gateio-proxy/internal/metrics"
	"gateio-proxy/internal/model"
	"gateio-proxy/internal/signer"
)

var (
	// ErrMissingFields is returned when the request names no method or endpoint.
	ErrMissingFields = errors.New(`"method" and "endpoint" are required in the request body`)
	// ErrUnsupportedMethod is returned for HTTP methods the upstream does not take.
	ErrUnsupportedMethod = errors.New("unsupported method")
	// ErrInvalidEndpoint is returned when the endpoint is not an absolute path.
	ErrInvalidEndpoint = errors.New(`endpoint must start with "/"`)
	// ErrMissingCredentials is returned when a signed call lacks its key or secret.
	ErrMissingCredentials = errors.New("API key and secret are required for authenticated requests")
)

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"api.gateio.ws":            true,
	"fx-api.gateio.ws":         true,
	"api-testnet.gateapi.io":   true,
	"fx-api-testnet.gateio.ws": true,
}

var supportedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// bodyMethods carry params as a JSON body; GET carries them in the query
// string and PATCH carries none.
var bodyMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// forwardableResponseHeaders are the only response headers relayed to the caller.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":  true,
	"Cache-Control": true,
	"Date":          true,
}

const userAgent = "gateio-proxy/1.0"

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.GateioClient
	signer  *signer.Signer
	metrics *metrics.Metrics
	logger  *slog.Logger
	baseURL string
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.GateioClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return newProxyService(c, cfg, logger, m, signer.New()), nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist
// validation and with the given signer. This is intended only for tests that
// use httptest servers on localhost.
func NewProxyServiceForTest(c *client.GateioClient, cfg *config.Config, logger *slog.Logger, sig *signer.Signer) *ProxyService {
	return newProxyService(c, cfg, logger, nil, sig)
}

func newProxyService(c *client.GateioClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, sig *signer.Signer) *ProxyService {
	return &ProxyService{
		client:  c,
		signer:  sig,
		metrics: m,
		logger:  logger.With("component", "proxy_service"),
		baseURL: strings.TrimRight(cfg.Upstream.BaseURL, "/"),
	}
}

// outbound is a fully built upstream call.
type outbound struct {
	method   string
	endpoint string
	query    string
	body     string
}

func (o outbound) signInput() signer.Input {
	return signer.Input{
		Method:      o.method,
		Endpoint:    o.endpoint,
		QueryString: o.query,
		Body:        o.body,
	}
}

// Forward sends pr to the upstream Gate.io API and returns its response,
// whatever the status. The caller is responsible for closing the response body.
//
// Validation failures return ErrMissingFields, ErrUnsupportedMethod,
// ErrInvalidEndpoint or ErrMissingCredentials before anything is sent. A call
// that got no answer returns an error wrapping client.ErrNoResponse.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if err := validate(pr); err != nil {
		return nil, err
	}

	out, err := build(pr)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	header.Set("Accept", "application/json")
	header.Set("Content-Type", "application/json")
	header.Set("User-Agent", userAgent)

	if pr.RequireAuth {
		sig := s.signer.Sign(out.signInput(), pr.APIKey, pr.APISecret)
		sig.Apply(header)
		if s.metrics != nil {
			s.metrics.SignedRequests.Inc()
		}
	}

	target := s.baseURL + out.endpoint
	if out.query != "" {
		target += "?" + out.query
	}

	s.logger.Debug("forwarding request",
		"method", out.method,
		"endpoint", out.endpoint,
		"signed", pr.RequireAuth,
	)

	var body io.Reader
	if out.body != "" {
		body = strings.NewReader(out.body)
	}

	resp, err := s.client.Send(ctx, out.method, target, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// validate normalizes the method and checks the request before any work is done.
func validate(pr *model.ProxyRequest) error {
	pr.Method = strings.ToUpper(strings.TrimSpace(pr.Method))
	if pr.Method == "" || pr.Endpoint == "" {
		return ErrMissingFields
	}
	if !supportedMethods[pr.Method] {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, pr.Method)
	}
	if !strings.HasPrefix(pr.Endpoint, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, pr.Endpoint)
	}
	if pr.RequireAuth && (pr.APIKey == "" || pr.APISecret == "") {
		return ErrMissingCredentials
	}
	return nil
}

// build derives the query string and body. The strings returned here are
// both signed and sent, so they must not be re-encoded afterwards.
func build(pr *model.ProxyRequest) (outbound, error) {
	out := outbound{method: pr.Method, endpoint: pr.Endpoint}
	if err := pr.Params.Err(); err != nil {
		return outbound{}, err
	}
	if pr.Params.Len() == 0 {
		return out, nil
	}

	switch {
	case pr.Method == http.MethodGet:
		q, err := pr.Params.QueryString()
		if err != nil {
			return outbound{}, fmt.Errorf("build query string: %w", err)
		}
		out.query = q
	case bodyMethods[pr.Method]:
		b, err := pr.Params.MarshalJSON()
		if err != nil {
			return outbound{}, fmt.Errorf("build request body: %w", err)
		}
		out.body = string(b)
	}
	return out, nil
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
