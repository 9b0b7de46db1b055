// Package introspect exposes a read-only HTTP view of a running bus:
// its connections and registered well-known names. Modeled on the
// teacher's HTTPGatewayServer (gateway_http_server.go) — a ServeMux
// with a small route table — but GET-only and JSON, since nothing here
// accepts commands the way the CiA 309-5 gateway did.
package introspect

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/busd/internal/names"
	"github.com/samsamfire/busd/pkg/conn"
)

// BusView is the subset of pkg/broker.Broker introspection needs,
// declared locally so this package doesn't import pkg/broker.
type BusView interface {
	Connections() []*conn.Connection
	Names() *names.Registry
}

type Server struct {
	bus      BusView
	serveMux *http.ServeMux
}

func NewServer(bus BusView) *Server {
	s := &Server{bus: bus, serveMux: http.NewServeMux()}
	s.serveMux.HandleFunc("/connections", s.handleConnections)
	s.serveMux.HandleFunc("/names", s.handleNames)
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	log.Infof("[INTROSPECT] listening on %s", addr)
	return http.ListenAndServe(addr, s.serveMux)
}

type connectionView struct {
	ID          uint64   `json:"id"`
	Flags       uint32   `json:"flags"`
	UID         uint32   `json:"uid"`
	Label       string   `json:"label,omitempty"`
	QueueLen    int      `json:"queue_len"`
	RepliesLen  int      `json:"replies_len"`
	NamesOwned  []string `json:"names_owned,omitempty"`
	Disconnected bool    `json:"disconnected"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.bus.Connections()
	out := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		c.Lock()
		out = append(out, connectionView{
			ID:           c.ID(),
			Flags:        c.Flags(),
			UID:          c.UID(),
			Label:        c.DebugLabel(),
			QueueLen:     c.Queue().Len(),
			RepliesLen:   c.Replies().Len(),
			NamesOwned:   c.NamesOwned(),
			Disconnected: c.DisconnectedLocked(),
		})
		c.Unlock()
	}
	writeJSON(w, out)
}

func (s *Server) handleNames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.bus.Names().All())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("[INTROSPECT] encode failed: %v", err)
	}
}
