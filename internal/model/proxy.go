// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// ProxyRequest is the caller's intent: which Gate.io endpoint to call, how,
// and whether to sign the call with the supplied credentials.
type ProxyRequest struct {
	Method      string `json:"method"`
	Endpoint    string `json:"endpoint"`
	Params      Params `json:"params"`
	RequireAuth bool   `json:"requireAuth"`
	APIKey      string `json:"apiKey"`
	APISecret   string `json:"apiSecret"`
}

// ProxyResponse represents the upstream response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
