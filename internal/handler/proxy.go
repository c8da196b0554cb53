package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"gateio-proxy/internal/client"
	"gateio-proxy/internal/metrics"
	"gateio-proxy/internal/model"
	"gateio-proxy/internal/service"
)

// Request headers that may carry the proxy fields instead of the JSON body.
const (
	HeaderGateMethod      = "X-Gate-API-Method"
	HeaderGateEndpoint    = "X-Gate-API-Endpoint"
	HeaderGateRequireAuth = "X-Gate-API-Require-Auth"
	HeaderGateKey         = "X-Gate-API-Key"
	HeaderGateSecret      = "X-Gate-API-Secret"
)

const noResponseMessage = "No response from Gate.io API (Timeout)"

// maxLoggedBody caps how much of an upstream error body is logged.
const maxLoggedBody = 2048

// ProxyHandler decodes proxy requests and relays the Gate.io response.
type ProxyHandler struct {
	service *service.ProxyService
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request described by the JSON body to Gate.io.
// Upstream responses are relayed with their status and body unchanged;
// local failures are answered with a JSON {"message": ...} body.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr, err := decodeProxyRequest(req)
	if err != nil {
		return h.mapError(c, pr, err)
	}

	resp, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		return h.mapError(c, pr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return h.relayUpstreamError(c, pr, resp)
	}

	h.record(metrics.OutcomeRelayed)
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a copy failure can only be logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"endpoint", pr.Endpoint,
		)
	}
	return nil
}

// relayUpstreamError buffers an upstream error body so it can be logged and
// then sent unchanged.
func (h *ProxyHandler) relayUpstreamError(c echo.Context, pr *model.ProxyRequest, resp *model.ProxyResponse) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Error("reading upstream error body",
			"err", err,
			"endpoint", pr.Endpoint,
			"upstream_status", resp.StatusCode,
		)
	}

	h.logger.Error("upstream error",
		"method", pr.Method,
		"endpoint", pr.Endpoint,
		"upstream_status", resp.StatusCode,
		"upstream_body", truncate(string(body), maxLoggedBody),
	)
	h.record(metrics.OutcomeUpstream)

	c.Response().WriteHeader(resp.StatusCode)
	_, err = c.Response().Write(body)
	return err
}

func (h *ProxyHandler) mapError(c echo.Context, pr *model.ProxyRequest, err error) error {
	attrs := []any{"err", err}
	if pr != nil {
		attrs = append(attrs, "method", pr.Method, "endpoint", pr.Endpoint)
	}

	var (
		status  int
		message string
		outcome string
	)
	switch {
	case errors.Is(err, errInvalidBody),
		errors.Is(err, service.ErrMissingFields),
		errors.Is(err, service.ErrUnsupportedMethod),
		errors.Is(err, service.ErrInvalidEndpoint):
		status, message, outcome = http.StatusBadRequest, err.Error(), metrics.OutcomeInput
	case errors.Is(err, service.ErrMissingCredentials):
		status, message, outcome = http.StatusUnauthorized, err.Error(), metrics.OutcomeAuth
	case errors.Is(err, client.ErrNoResponse):
		status, message, outcome = http.StatusGatewayTimeout, noResponseMessage, metrics.OutcomeNetwork
	default:
		status, message, outcome = http.StatusInternalServerError, "Internal Server Error: "+err.Error(), metrics.OutcomeInternal
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("proxy error", attrs...)
	} else {
		h.logger.Warn("proxy request rejected", attrs...)
	}
	h.record(outcome)

	return c.JSON(status, map[string]string{"message": message})
}

func (h *ProxyHandler) record(outcome string) {
	if h.metrics != nil {
		h.metrics.ProxyOutcomes.WithLabelValues(outcome).Inc()
	}
}

var errInvalidBody = errors.New("invalid JSON body")

// decodeProxyRequest reads the JSON body and fills fields the body left
// empty from the X-Gate-API-* headers. An empty body is allowed.
func decodeProxyRequest(req *http.Request) (*model.ProxyRequest, error) {
	pr := &model.ProxyRequest{}
	if req.Body != nil {
		dec := json.NewDecoder(req.Body)
		if err := dec.Decode(pr); err != nil && !errors.Is(err, io.EOF) {
			return pr, fmt.Errorf("%w: %w", errInvalidBody, err)
		}
	}

	hdr := req.Header
	if pr.Method == "" {
		pr.Method = hdr.Get(HeaderGateMethod)
	}
	if pr.Endpoint == "" {
		pr.Endpoint = hdr.Get(HeaderGateEndpoint)
	}
	if !pr.RequireAuth {
		if v, err := strconv.ParseBool(strings.TrimSpace(hdr.Get(HeaderGateRequireAuth))); err == nil {
			pr.RequireAuth = v
		}
	}
	if pr.APIKey == "" {
		pr.APIKey = hdr.Get(HeaderGateKey)
	}
	if pr.APISecret == "" {
		pr.APISecret = hdr.Get(HeaderGateSecret)
	}
	return pr, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
