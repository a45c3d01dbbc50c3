package agent

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/overpass-net/overpass/protocol"
	"github.com/overpass-net/overpass/tunnel"
)

// originTimeout stays under the server's 30s correlation deadline so the
// agent's error response wins over the server-side timeout.
const originTimeout = 25 * time.Second

const maxResponseSize = 10 << 20

// Standard hop-by-hop headers, stripped between channel and origin.
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

const noAppPage = `<!DOCTYPE html>
<html lang="en">
  <head><meta charset="utf-8"><title>No app running</title></head>
  <body style="font-family: sans-serif; max-width: 40em; margin: 4em auto;">
    <h1>Nothing is listening here yet</h1>
    <p>Your overpass tunnel is up, but no application answered on
    <code>%s</code>.</p>
    <p>Start your app on that address and refresh this page.</p>
  </body>
</html>
`

// newOriginClient builds the HTTP client used against local origins.
// Redirects are passed back to the public client untouched.
func newOriginClient(rejectUnauthorized bool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !rejectUnauthorized}, // #nosec G402 -- explicit opt-out knob
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: originTimeout,
	}
}

// handleHTTPRequest terminates one dispatched request against the local
// origin and returns a single correlated http_response.
func (l *link) handleHTTPRequest(msg *protocol.Message) {
	resp := protocol.New(protocol.TypeHTTPResponse)
	resp.TunnelID = msg.TunnelID
	resp.RequestID = msg.RequestID

	cfg, ok := l.tunnelByID(msg.TunnelID)
	if !ok {
		l.log.Warn().Msgf("Dropping http_request for unknown tunnel %s", msg.TunnelID)
		fillJSONError(resp, http.StatusBadGateway, "unknown tunnel")
		_ = l.send(resp)
		return
	}

	originResp, err := l.roundTripOrigin(cfg.Protocol, cfg.LocalAddress(), msg)
	if err != nil {
		if isConnectionRefused(err) {
			// The friendly page: the tunnel works, the app is down.
			fillHTMLError(resp, http.StatusBadGateway, fmt.Sprintf(noAppPage, cfg.LocalAddress()))
		} else {
			l.log.Warn().Msgf("Origin request for %s failed: %s", cfg.LocalAddress(), err)
			fillJSONError(resp, http.StatusBadGateway, "origin request failed")
		}
		_ = l.send(resp)
		return
	}
	defer originResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(originResp.Body, maxResponseSize+1))
	if err != nil || len(body) > maxResponseSize {
		fillJSONError(resp, http.StatusBadGateway, "origin response unreadable or too large")
		_ = l.send(resp)
		return
	}

	resp.StatusCode = originResp.StatusCode
	resp.Headers = make(protocol.Headers, len(originResp.Header))
	for name, values := range originResp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		resp.Headers[name] = append([]string(nil), values...)
	}
	if len(body) > 0 {
		if utf8.Valid(body) {
			resp.Body = string(body)
		} else {
			resp.Body = protocol.EncodeData(body)
			resp.IsBase64 = true
		}
	}
	_ = l.send(resp)
}

func (l *link) roundTripOrigin(proto tunnel.Protocol, localAddr string, msg *protocol.Message) (*http.Response, error) {
	var body io.Reader
	if msg.Body != "" {
		if msg.IsBase64 {
			decoded, err := protocol.DecodeData(msg.Body)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(decoded)
		} else {
			body = strings.NewReader(msg.Body)
		}
	}

	target := fmt.Sprintf("%s://%s%s", schemeForProtocol(proto), localAddr, msg.Path)
	req, err := http.NewRequest(msg.Method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "building origin request")
	}
	for name, values := range msg.Headers {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] || strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	return l.originHTTP.Do(req)
}

// isConnectionRefused spots the origin-unreachable case that earns the
// friendly page instead of a bare 502.
func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func fillJSONError(resp *protocol.Message, status int, message string) {
	resp.StatusCode = status
	resp.Headers = protocol.Headers{"Content-Type": {"application/json"}}
	resp.Body = fmt.Sprintf(`{"error":%q}`, message)
}

func fillHTMLError(resp *protocol.Message, status int, page string) {
	resp.StatusCode = status
	resp.Headers = protocol.Headers{"Content-Type": {"text/html; charset=utf-8"}}
	resp.Body = page
}
