package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/kristinkand/nocturne-sub010/internal/correlation"
	"github.com/kristinkand/nocturne-sub010/internal/models"
	"github.com/kristinkand/nocturne-sub010/internal/snapshot"
)

// handleProxy dual-dispatches the request and relays the selected response.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	req, err := snapshot.Capture(r, g.limits)
	if err != nil {
		if errors.Is(err, snapshot.ErrBodyTooLarge) {
			g.writeError(w, r, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		g.writeError(w, r, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp := g.service.Handle(r.Context(), req)
	if resp.SelectedResponse == nil {
		g.writeBadGateway(w, r, resp)
		return
	}
	relay(w, r.Method, resp.SelectedResponse)
}

// relay writes a backend response as-is. Hop-by-hop headers were stripped
// by the forwarder; Content-Length is recomputed from the buffered body,
// except for HEAD where the backend's value describes the absent body.
func relay(w http.ResponseWriter, method string, sel *models.TargetResponse) {
	head := method == http.MethodHead
	h := w.Header()
	for k, vs := range sel.Headers {
		if k == HeaderCorrelationID || (k == "Content-Length" && !head) {
			continue
		}
		h[k] = append([]string(nil), vs...)
	}
	if h.Get("Content-Type") == "" && sel.ContentType != "" {
		h.Set("Content-Type", sel.ContentType)
	}
	if !head {
		h.Set("Content-Length", strconv.Itoa(len(sel.Body)))
	}

	w.WriteHeader(sel.StatusCode)
	if !head {
		_, _ = w.Write(sel.Body)
	}
}

// writeBadGateway reports that neither backend produced a response.
func (g *Gateway) writeBadGateway(w http.ResponseWriter, r *http.Request, resp *models.CompatibilityProxyResponse) {
	body := []byte(`{"error":"Bad Gateway"}`)
	body, _ = sjson.SetBytes(body, "message", resp.SelectionReason)
	if resp.CorrelationID != "" {
		body, _ = sjson.SetBytes(body, "correlationId", resp.CorrelationID)
	}
	for _, t := range models.Targets {
		tr := resp.Response(t)
		if tr == nil {
			continue
		}
		body, _ = sjson.SetBytes(body, "targets."+strings.ToLower(string(t)), tr.ErrorMessage)
	}

	correlation.Logger(r.Context()).Warn().Str("path", r.URL.Path).Msg("both backends unreachable")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write(body)
}
