package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Name identifies the server in the status endpoint.
const Name = "overpass"

// Version is stamped at build time.
var Version = "DEV"

type statusResponse struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	Status           string `json:"status"`
	Domain           string `json:"domain"`
	SubdomainPattern string `json:"subdomainPattern"`
	Clients          int    `json:"clients"`
	Tunnels          int    `json:"tunnels"`
}

type statsResponse struct {
	Clients int     `json:"clients"`
	Tunnels int     `json:"tunnels"`
	Uptime  float64 `json:"uptime"`
}

type tunnelInfo struct {
	ID           string    `json:"id"`
	Protocol     string    `json:"protocol"`
	LocalAddress string    `json:"localAddress"`
	PublicURL    string    `json:"publicUrl"`
	CreatedAt    time.Time `json:"createdAt"`
	BytesIn      uint64    `json:"bytesIn"`
	BytesOut     uint64    `json:"bytesOut"`
	Connections  uint64    `json:"connections"`
}

// apexRouter builds the router for the built-in endpoints on the bare
// domain / basePath apex. Built once in New and reused for every request.
func (s *Server) apexRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleStatus)
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/tunnels", s.handleTunnels)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	rule := s.cfg.Domains[0]
	pattern := "<subdomain>." + rule.Domain
	if rule.BasePath != "" {
		pattern = "<subdomain>." + rule.BasePath + "." + rule.Domain
	}
	writeJSON(w, statusResponse{
		Name:             Name,
		Version:          Version,
		Status:           "ok",
		Domain:           rule.Domain,
		SubdomainPattern: pattern,
		Clients:          s.sessionCount(),
		Tunnels:          s.registry.Len(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, statsResponse{
		Clients: s.sessionCount(),
		Tunnels: s.registry.Len(),
		Uptime:  s.registry.Uptime().Seconds(),
	})
}

func (s *Server) handleTunnels(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.registry.Snapshot()
	infos := make([]tunnelInfo, 0, len(snapshot))
	for _, tun := range snapshot {
		infos = append(infos, tunnelInfo{
			ID:           tun.ID,
			Protocol:     string(tun.Protocol),
			LocalAddress: tun.LocalAddress(),
			PublicURL:    tun.PublicURL,
			CreatedAt:    tun.CreatedAt,
			BytesIn:      tun.Stats.BytesIn(),
			BytesOut:     tun.Stats.BytesOut(),
			Connections:  tun.Stats.Connections(),
		})
	}
	writeJSON(w, map[string]interface{}{"tunnels": infos})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
