package httpapi

import (
	"net/http"
	"strings"
	"time"
)

// bunkerURI builds a bunker:// connection string for one key against the
// control plane's currently configured relay set.
func bunkerURI(pubKeyHex string, relays []string) string {
	var b strings.Builder
	b.WriteString("bunker://")
	b.WriteString(pubKeyHex)
	for i, r := range relays {
		if i == 0 {
			b.WriteString("?relay=")
		} else {
			b.WriteString("&relay=")
		}
		b.WriteString(r)
	}
	return b.String()
}

type connectionKey struct {
	Name      string `json:"name"`
	PubKey    string `json:"pubkey"`
	BunkerURI string `json:"bunker_uri"`
	Status    string `json:"status"`
}

// handleConnection serves GET /connection: every key's bunker URI and
// status (online, locked or offline) plus the current relay list.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	keys, err := s.vault.List()
	if err != nil {
		writeError(w, err)
		return
	}
	relays := s.relays.Relays()

	out := make([]connectionKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, connectionKey{
			Name:      k.Name,
			PubKey:    k.PubKey,
			BunkerURI: bunkerURI(k.PubKey, relays),
			Status:    string(k.Status),
		})
	}
	jsonResponse(w, map[string]interface{}{
		"keys":   out,
		"relays": relays,
	}, http.StatusOK)
}

// handleRelays serves GET /relays: per-relay connection status.
func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.relays.Statuses(), http.StatusOK)
}

const dashboardRecentLimit = 50

// handleDashboard serves GET /dashboard: aggregate stats, recent audit
// entries, and the 24-hour activity histogram.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.audit.BuildDashboard(dashboardRecentLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]interface{}{
		"stats":            dash.Stats,
		"recent_activity":  dash.Recent,
		"hourly_activity":  dash.Hourly,
		"relay_count":      len(s.relays.Relays()),
		"started_at":       s.startedAt,
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"subscriber_count": s.bus.SubscriberCount(),
	}, http.StatusOK)
}
