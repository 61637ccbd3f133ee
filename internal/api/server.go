// Package api implements the administration HTTP API: tracker statistics,
// whitelist and key management, prometheus metrics, and a websocket
// stream of live swarm counts.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/da2ce7/torrust-tracker/internal/tracker"
	"github.com/da2ce7/torrust-tracker/pkg/log"
)

// Config holds the admin API settings.
type Config struct {
	Addr string
	// AccessToken protects every /api route. Requests carry it as the
	// "token" query parameter.
	AccessToken string
}

// Server is the admin API listener.
type Server struct {
	cfg      Config
	tracker  *tracker.Tracker
	listener net.Listener
	server   *http.Server
	router   *mux.Router
}

// NewServer binds the API listener and sets up the routes.
func NewServer(cfg Config, tkr *tracker.Tracker) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		tracker:  tkr,
		listener: listener,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.authMiddleware)

	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/torrents/{infohash}", s.handleTorrent).Methods("GET")
	api.HandleFunc("/whitelist/{infohash}", s.handleWhitelistAdd).Methods("POST")
	api.HandleFunc("/whitelist/{infohash}", s.handleWhitelistRemove).Methods("DELETE")
	api.HandleFunc("/keys/{seconds}", s.handleKeyGenerate).Methods("POST")
	api.HandleFunc("/keys/{key}", s.handleKeyRemove).Methods("DELETE")
	api.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks until Stop is called.
func (s *Server) Serve() error {
	err := s.server.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("api request", log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AccessToken == "" || r.URL.Query().Get("token") != s.cfg.AccessToken {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statsReply aggregates the registry for GET /stats.
type statsReply struct {
	Torrents  int   `json:"torrents"`
	Seeders   int64 `json:"seeders"`
	Leechers  int64 `json:"leechers"`
	Completed int64 `json:"completed"`
	Keys      int   `json:"keys"`
	Whitelist int   `json:"whitelist"`
}

func (s *Server) buildStats() statsReply {
	reply := statsReply{
		Keys:      s.tracker.Keys().Len(),
		Whitelist: s.tracker.Whitelist().Len(),
	}
	s.tracker.Registry().Snapshot(func(_ tracker.InfoHash, stats tracker.SwarmStats, _ int) {
		reply.Torrents++
		reply.Seeders += int64(stats.Seeders)
		reply.Leechers += int64(stats.Leechers)
		reply.Completed += int64(stats.Completed)
	})
	return reply
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.buildStats())
}

type torrentReply struct {
	InfoHash  string      `json:"info_hash"`
	Seeders   int32       `json:"seeders"`
	Leechers  int32       `json:"leechers"`
	Completed int32       `json:"completed"`
	Peers     []peerReply `json:"peers"`
}

type peerReply struct {
	PeerID    string    `json:"peer_id"`
	IP        string    `json:"ip"`
	Port      uint16    `json:"port"`
	Left      int64     `json:"left"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleTorrent(w http.ResponseWriter, r *http.Request) {
	ih, err := tracker.InfoHashFromHex(mux.Vars(r)["infohash"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid info hash")
		return
	}

	stats := s.tracker.Registry().Stats(ih)
	peers := s.tracker.Registry().Peers(ih, tracker.PeerID{}, tracker.MaxNumWant)

	reply := torrentReply{
		InfoHash:  ih.String(),
		Seeders:   stats.Seeders,
		Leechers:  stats.Leechers,
		Completed: stats.Completed,
		Peers:     make([]peerReply, 0, len(peers)),
	}
	for _, p := range peers {
		reply.Peers = append(reply.Peers, peerReply{
			PeerID:    p.ID.String(),
			IP:        p.IP.String(),
			Port:      p.Port,
			Left:      p.Left,
			UpdatedAt: p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	ih, err := tracker.InfoHashFromHex(mux.Vars(r)["infohash"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid info hash")
		return
	}
	s.tracker.WhitelistAdd(ih)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWhitelistRemove(w http.ResponseWriter, r *http.Request) {
	ih, err := tracker.InfoHashFromHex(mux.Vars(r)["infohash"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid info hash")
		return
	}
	if !s.tracker.WhitelistRemove(ih) {
		writeJSONError(w, http.StatusNotFound, "info hash not whitelisted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type keyReply struct {
	Key        string     `json:"key"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

func (s *Server) handleKeyGenerate(w http.ResponseWriter, r *http.Request) {
	seconds, err := strconv.ParseInt(mux.Vars(r)["seconds"], 10, 64)
	if err != nil || seconds <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid key lifetime")
		return
	}
	key, err := s.tracker.GenerateKey(time.Duration(seconds) * time.Second)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}
	writeJSON(w, http.StatusOK, keyReply{Key: key.Key, ValidUntil: key.ValidUntil})
}

func (s *Server) handleKeyRemove(w http.ResponseWriter, r *http.Request) {
	if !s.tracker.RevokeKey(mux.Vars(r)["key"]) {
		writeJSONError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
