package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/overpass-net/overpass/metrics"
	"github.com/overpass-net/overpass/protocol"
	"github.com/overpass-net/overpass/tunnel"
)

// requestTimeout bounds one dispatched round trip. A var so tests can run
// the timeout path without waiting out the production value.
var requestTimeout = 30 * time.Second

// Standard hop-by-hop headers, never forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopByHop(name string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(name)]
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// dispatch forwards one public HTTP request through the owning session and
// streams the correlated response back.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, tun *tunnel.Tunnel, clientIP string) {
	sess, ok := s.sessionByID(tun.SessionID)
	if !ok {
		writeJSONError(w, http.StatusBadGateway, "tunnel agent is not connected")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodySize+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if int64(len(body)) > s.cfg.MaxBodySize {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	msg := protocol.New(protocol.TypeHTTPRequest)
	msg.TunnelID = tun.ID
	msg.RequestID = uuid.New().String()
	msg.Method = r.Method
	msg.Path = r.URL.RequestURI()
	msg.Headers = forwardedHeaders(r, s.scheme, clientIP)
	if len(body) > 0 {
		if utf8.Valid(body) {
			msg.Body = string(body)
		} else {
			msg.Body = protocol.EncodeData(body)
			msg.IsBase64 = true
		}
	}

	respC := sess.correlator.register(msg.RequestID)
	if err := sess.send(msg); err != nil {
		sess.correlator.evict(msg.RequestID)
		writeJSONError(w, http.StatusBadGateway, "tunnel agent disconnected")
		return
	}
	metrics.RequestsDispatched.Inc()
	tun.Stats.AddConnection()
	tun.Stats.AddBytesIn(uint64(len(body)))

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-respC:
		if resp == nil {
			metrics.RequestOutcomes.WithLabelValues(metrics.OutcomeSessionLost).Inc()
			writeJSONError(w, http.StatusBadGateway, "tunnel agent disconnected")
			return
		}
		metrics.RequestOutcomes.WithLabelValues(metrics.OutcomeResponded).Inc()
		s.writeTunnelResponse(w, resp, tun)
	case <-timer.C:
		sess.correlator.evict(msg.RequestID)
		metrics.RequestOutcomes.WithLabelValues(metrics.OutcomeTimeout).Inc()
		writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("tunnel did not respond within %s", requestTimeout))
	case <-r.Context().Done():
		sess.correlator.evict(msg.RequestID)
	}
}

// forwardedHeaders copies end-to-end request headers and augments them with
// the X-Forwarded-* set.
func forwardedHeaders(r *http.Request, scheme, clientIP string) protocol.Headers {
	headers := make(protocol.Headers, len(r.Header)+3)
	for name, values := range r.Header {
		if isHopByHop(name) {
			continue
		}
		headers[name] = append([]string(nil), values...)
	}
	headers["X-Forwarded-Host"] = []string{r.Host}
	headers["X-Forwarded-Proto"] = []string{scheme}
	forwardedFor := clientIP
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		forwardedFor = prior + ", " + clientIP
	}
	headers["X-Forwarded-For"] = []string{forwardedFor}
	return headers
}

func (s *Server) writeTunnelResponse(w http.ResponseWriter, resp *protocol.Message, tun *tunnel.Tunnel) {
	body := []byte(resp.Body)
	if resp.IsBase64 {
		decoded, err := protocol.DecodeData(resp.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, "tunnel returned an undecodable body")
			return
		}
		body = decoded
	}
	if int64(len(body)) > s.cfg.MaxBodySize {
		writeJSONError(w, http.StatusBadGateway, "tunnel response exceeded the configured maximum size")
		return
	}

	for name, values := range resp.Headers {
		if isHopByHop(name) || strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
	tun.Stats.AddBytesOut(uint64(len(body)))
}
