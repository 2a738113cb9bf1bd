// Package bridge exposes resolver lookups over HTTP for browser front ends.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/gateways/client"
)

// Querier sends one request to the resolver. *client.Client satisfies it.
type Querier interface {
	Query(ctx context.Context, req client.Request) (string, error)
}

// ResolveResponse is the JSON body returned by /resolve.
type ResolveResponse struct {
	Domain   string `json:"domain"`
	Protocol string `json:"protocol"`
	Response string `json:"response"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// API handles the bridge endpoints.
type API struct {
	querier Querier
	logger  log.Logger
}

// NewAPI creates an API handler.
func NewAPI(q Querier, logger log.Logger) *API {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &API{querier: q, logger: logger}
}

// Handler returns the bridge routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/resolve", a.HandleResolve)
	return mux
}

// HandleResolve serves GET /resolve?domain=<name>&protocol=<tcp|udp>.
// Resolution failures are reported inside the response field, exactly as the
// command-line tool would print them.
func (a *API) HandleResolve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	protocol := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("protocol")))
	if protocol == "" {
		protocol = "udp"
	}
	if domain == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "domain is required"})
		return
	}

	reply, err := a.querier.Query(r.Context(), client.Request{Domain: domain, Protocol: protocol})
	a.logger.Info(map[string]any{
		"domain":   domain,
		"protocol": protocol,
		"error":    err,
	}, "bridge lookup")

	writeJSON(w, http.StatusOK, ResolveResponse{
		Domain:   domain,
		Protocol: protocol,
		Response: client.Describe(reply, err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
