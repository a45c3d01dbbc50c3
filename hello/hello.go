// Package hello runs a tiny local origin server, used by tests and for
// smoke-testing an agent without a real application behind it.
package hello

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	HealthRoute = "/_health"
	UptimeRoute = "/uptime"
)

const indexTemplate = `<!DOCTYPE html>
<html lang="en">
  <head><meta charset="utf-8"><title>Overpass test origin</title></head>
  <body>
    <h1>Your tunnel is up!</h1>
    <p>This page is served by the Overpass test origin on {{.ServerName}}.</p>
    <dl>
      <dd>Method: {{.Request.Method}}</dd>
      <dd>URL: {{.Request.URL}}</dd>
      <dd>Host: {{.Request.Host}}</dd>
      <dd>Remote address: {{.Request.RemoteAddr}}</dd>
    </dl>
  </body>
</html>
`

type templateData struct {
	ServerName string
	Request    *http.Request
}

type uptimeResponse struct {
	StartTime time.Time `json:"startTime"`
	Uptime    string    `json:"uptime"`
}

// CreateServer binds a listener on addr (use "127.0.0.1:0" in tests).
func CreateServer(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// StartServer serves the test origin on listener until shutdownC closes.
func StartServer(listener net.Listener, shutdownC <-chan struct{}, log *zerolog.Logger) error {
	page := template.Must(template.New("index").Parse(indexTemplate))
	startTime := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc(HealthRoute, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc(UptimeRoute, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(uptimeResponse{
			StartTime: startTime,
			Uptime:    time.Since(startTime).String(),
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Msgf("Test origin %s %s", r.Method, r.URL.Path)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = page.Execute(w, templateData{ServerName: listener.Addr().String(), Request: r})
	})

	server := &http.Server{Handler: mux}
	go func() {
		<-shutdownC
		_ = server.Close()
	}()

	log.Info().Msgf("Starting test origin on %s", listener.Addr())
	err := server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
