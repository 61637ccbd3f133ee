// Package httptracker implements the HTTP tracker frontend: GET /announce
// and GET /scrape with bencoded replies, per BEP 3 and the compact peer
// format of BEP 23.
package httptracker

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/da2ce7/torrust-tracker/internal/tracker"
	"github.com/da2ce7/torrust-tracker/pkg/log"
)

var promHTTPResponseDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tracker_http_response_duration_milliseconds",
		Help:    "The duration of time it takes to receive and write a response to an API request",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	},
	[]string{"action", "error"},
)

func init() {
	prometheus.MustRegister(promHTTPResponseDuration)
}

// Config holds the HTTP frontend settings.
type Config struct {
	Addr string
	// ReverseProxy trusts X-Forwarded-For / X-Real-IP for the client IP.
	ReverseProxy bool
	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string
	TLSKey  string
	// ShutdownGrace bounds how long Stop waits for in-flight requests.
	ShutdownGrace time.Duration
}

// Server is the HTTP tracker listener.
type Server struct {
	cfg      Config
	tracker  *tracker.Tracker
	listener net.Listener
	server   *http.Server
}

// NewServer binds the TCP listener. Serve must be called to start
// accepting.
func NewServer(cfg Config, tkr *tracker.Tracker) (*Server, error) {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 90 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, tracker: tkr, listener: listener}

	router := mux.NewRouter()
	router.HandleFunc("/announce", s.handleAnnounce).Methods("GET")
	router.HandleFunc("/announce/{key}", s.handleAnnounce).Methods("GET")
	router.HandleFunc("/scrape", s.handleScrape).Methods("GET")
	router.HandleFunc("/scrape/{key}", s.handleScrape).Methods("GET")

	s.server = &http.Server{
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  5 * time.Second,
	}
	return s, nil
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks accepting connections until Stop is called.
func (s *Server) Serve() error {
	var err error
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		err = s.server.ServeTLS(s.listener, s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.server.Serve(s.listener)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains active connections up to the grace period, then forces the
// remainder closed.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
	}
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := s.announce(w, r)
	promHTTPResponseDuration.
		WithLabelValues("announce", errLabel(err)).
		Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
}

func (s *Server) announce(w http.ResponseWriter, r *http.Request) error {
	params, err := parseQuery(r.URL.RawQuery)
	if err != nil {
		return s.sendFailure(w, err)
	}
	if len(params.hashes) != 1 {
		return s.sendFailure(w, tracker.ErrInvalidInfoHash)
	}

	peerID, err := tracker.PeerIDFromBytes([]byte(params.get("peer_id")))
	if err != nil {
		return s.sendFailure(w, err)
	}

	port, err := strconv.ParseUint(params.get("port"), 10, 16)
	if err != nil || port == 0 {
		return s.sendFailure(w, tracker.ErrBadRequest)
	}

	uploaded, _ := strconv.ParseInt(params.get("uploaded"), 10, 64)
	downloaded, _ := strconv.ParseInt(params.get("downloaded"), 10, 64)
	left, _ := strconv.ParseInt(params.get("left"), 10, 64)

	numWant := int32(-1)
	if v := params.get("numwant"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			numWant = int32(n)
		}
	}

	ip := s.clientIP(r)
	if ip == nil {
		return s.sendFailure(w, tracker.ErrBadRequest)
	}

	resp, err := s.tracker.Announce(&tracker.AnnounceRequest{
		InfoHash:   params.hashes[0],
		PeerID:     peerID,
		IP:         ip,
		Port:       uint16(port),
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      tracker.EventFromString(params.get("event")),
		NumWant:    numWant,
		Key:        mux.Vars(r)["key"],
	})
	if err != nil {
		return s.sendFailure(w, err)
	}

	compact := params.get("compact") != "0"
	return s.sendBencoded(w, buildAnnounceReply(resp, compact))
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := s.scrape(w, r)
	promHTTPResponseDuration.
		WithLabelValues("scrape", errLabel(err)).
		Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) error {
	params, err := parseQuery(r.URL.RawQuery)
	if err != nil {
		return s.sendFailure(w, err)
	}
	if len(params.hashes) == 0 {
		return s.sendFailure(w, tracker.ErrInvalidInfoHash)
	}

	stats, err := s.tracker.Scrape(params.hashes, mux.Vars(r)["key"])
	if err != nil {
		return s.sendFailure(w, err)
	}

	files := make(map[string]scrapeFile, len(stats))
	for i, st := range stats {
		ih := params.hashes[i]
		files[string(ih[:])] = scrapeFile{
			Complete:   st.Seeders,
			Downloaded: st.Completed,
			Incomplete: st.Leechers,
		}
	}
	return s.sendBencoded(w, scrapeReply{Files: files})
}

// clientIP resolves the announcing peer's address: the socket's remote
// address, or the first X-Forwarded-For hop when running behind a trusted
// reverse proxy.
func (s *Server) clientIP(r *http.Request) net.IP {
	if s.cfg.ReverseProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return canonicalIP(ip)
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
				return canonicalIP(ip)
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return canonicalIP(ip)
	}
	return nil
}

func canonicalIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// sendFailure writes a bencoded failure dictionary. Tracker-level
// failures still travel with status 200; only malformed HTTP gets 4xx,
// and that never reaches the handlers.
func (s *Server) sendFailure(w http.ResponseWriter, err error) error {
	reason := err.Error()
	if !tracker.ClientError(err) {
		log.Error("http tracker request failed", log.Err(err))
		reason = tracker.ErrBadRequest.Error()
	}
	if encodeErr := s.sendBencoded(w, failureReply{FailureReason: reason}); encodeErr != nil {
		return encodeErr
	}
	return err
}

func (s *Server) sendBencoded(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "text/plain")
	return bencode.NewEncoder(w).Encode(v)
}

func errLabel(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
