// Package udp implements the BEP 15 tracker frontend: a single UDP socket,
// stateless connection cookies, and bounded concurrent request handling.
package udp

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/da2ce7/torrust-tracker/internal/tracker"
	"github.com/da2ce7/torrust-tracker/pkg/log"
)

// maxActiveRequests bounds the number of in-flight request goroutines.
// Past the bound the oldest request is cancelled to make room; UDP has no
// flow control and clients retry, so shedding the oldest bounds both tail
// latency and memory.
const maxActiveRequests = 1024

var promUDPResponseDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tracker_udp_response_duration_milliseconds",
		Help:    "The duration of time it takes to receive and write a response to an API request",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	},
	[]string{"action", "address_family", "error"},
)

func init() {
	prometheus.MustRegister(promUDPResponseDuration)
}

func recordResponseDuration(action, family string, err error, duration time.Duration) {
	errString := ""
	if err != nil {
		errString = err.Error()
	}
	promUDPResponseDuration.
		WithLabelValues(action, family, errString).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// Config holds the UDP frontend settings.
type Config struct {
	Addr string
}

// Server is one bound UDP tracker socket.
type Server struct {
	conn    *net.UDPConn
	tracker *tracker.Tracker
	cookies *CookieJar

	closing    chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	active     *activeRequests
	bufferPool sync.Pool
}

// NewServer binds the socket. Serve must be called to start handling
// packets.
func NewServer(cfg Config, tkr *tracker.Tracker, cookies *CookieJar) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	return &Server{
		conn:    conn,
		tracker: tkr,
		cookies: cookies,
		closing: make(chan struct{}),
		active:  newActiveRequests(maxActiveRequests),
		bufferPool: sync.Pool{
			New: func() interface{} {
				// One spare byte so a datagram over the ceiling is seen
				// as oversize instead of being silently truncated.
				buf := make([]byte, MaxPacketSize+1)
				return &buf
			},
		},
	}, nil
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve reads datagrams and dispatches them until Stop is called. Each
// request runs in its own goroutine, bounded by the active-request set.
func (s *Server) Serve() error {
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case <-s.closing:
			return nil
		default:
		}

		bufp := s.bufferPool.Get().(*[]byte)
		buf := *bufp
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.bufferPool.Put(bufp)
			select {
			case <-s.closing:
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		if n == 0 || n > MaxPacketSize {
			s.bufferPool.Put(bufp)
			continue
		}

		ctx := s.active.add()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.bufferPool.Put(bufp)
			defer s.active.done(ctx)
			s.handlePacket(ctx, buf[:n], addr)
		}()
	}
}

// Stop shuts the loop down: no new reads, all in-flight requests
// cancelled, socket closed once they have drained.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.closing)
		_ = s.conn.SetReadDeadline(time.Now())
		s.active.cancelAll()
		runtime.Gosched()
		s.wg.Wait()
		_ = s.conn.Close()
	})
}

// handlePacket decodes one datagram, runs the matching handler, and sends
// the reply.
func (s *Server) handlePacket(ctx context.Context, packet []byte, addr *net.UDPAddr) {
	start := time.Now()
	family := "ipv4"
	if addr.IP.To4() == nil {
		family = "ipv6"
	}

	connID, action, txID, ok := packetHeader(packet)
	if !ok {
		// Not even a header; tell the sender and move on.
		s.send(ctx, addr, writeError(nil, 0, tracker.ErrBadRequest.Error()))
		recordResponseDuration("unknown", family, tracker.ErrBadRequest, time.Since(start))
		return
	}

	var (
		resp       []byte
		err        error
		actionName string
	)

	switch action {
	case actionConnect:
		actionName = "connect"
		resp, err = s.handleConnect(packet, connID, txID, addr)
	case actionAnnounce:
		actionName = "announce"
		resp, err = s.handleAnnounce(packet, connID, txID, addr)
	case actionScrape:
		actionName = "scrape"
		resp, err = s.handleScrape(packet, connID, txID, addr)
	default:
		actionName = "unknown"
		err = tracker.ErrBadRequest
	}

	if err != nil {
		if tracker.ClientError(err) {
			resp = writeError(nil, txID, err.Error())
		} else {
			log.Error("udp request failed", log.Fields{"action": actionName, "error": err})
			resp = writeError(nil, txID, tracker.ErrBadRequest.Error())
		}
	}
	s.send(ctx, addr, resp)
	recordResponseDuration(actionName, family, err, time.Since(start))
}

func (s *Server) handleConnect(packet []byte, connID uint64, txID uint32, addr *net.UDPAddr) ([]byte, error) {
	req, err := parseConnect(packet, connID, txID)
	if err != nil {
		return nil, err
	}
	return writeConnect(nil, req.TransactionID, s.cookies.Issue(addr)), nil
}

func (s *Server) handleAnnounce(packet []byte, connID uint64, txID uint32, addr *net.UDPAddr) ([]byte, error) {
	if err := s.cookies.Verify(addr, connID); err != nil {
		return nil, err
	}
	req, err := parseAnnounce(packet, connID, txID)
	if err != nil {
		return nil, err
	}

	ip := addr.IP
	v6 := ip.To4() == nil
	if req.IP != 0 && !v6 {
		// Client asked to be tracked under an explicit IPv4 address.
		ip = net.IPv4(byte(req.IP>>24), byte(req.IP>>16), byte(req.IP>>8), byte(req.IP))
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	resp, err := s.tracker.Announce(&tracker.AnnounceRequest{
		InfoHash:   req.InfoHash,
		PeerID:     req.PeerID,
		IP:         ip,
		Port:       req.Port,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		Event:      req.Event,
		NumWant:    req.NumWant,
	})
	if err != nil {
		return nil, err
	}
	return writeAnnounce(nil, req.TransactionID, resp, v6), nil
}

func (s *Server) handleScrape(packet []byte, connID uint64, txID uint32, addr *net.UDPAddr) ([]byte, error) {
	if err := s.cookies.Verify(addr, connID); err != nil {
		return nil, err
	}
	req, err := parseScrape(packet, connID, txID)
	if err != nil {
		return nil, err
	}

	stats, err := s.tracker.Scrape(req.InfoHashes, "")
	if err != nil {
		return nil, err
	}
	return writeScrape(nil, req.TransactionID, stats), nil
}

// send writes the reply unless the request was cancelled in the meantime.
// Send errors are logged and dropped; the client retries.
func (s *Server) send(ctx context.Context, addr *net.UDPAddr, resp []byte) {
	if len(resp) == 0 || ctx.Err() != nil {
		return
	}
	if _, err := s.conn.WriteToUDP(resp, addr); err != nil {
		log.Debug("udp send failed", log.Fields{"addr": addr.String(), "error": err})
	}
}

// activeRequests is the bounded set of in-flight request contexts. When
// the set is full the caller yields once, then the oldest request is
// cancelled to make room for the new one.
type activeRequests struct {
	mu    sync.Mutex
	cap   int
	tasks []*requestTask
}

type requestTask struct {
	ctx      context.Context
	cancel   context.CancelFunc
	finished bool
}

func newActiveRequests(capacity int) *activeRequests {
	return &activeRequests{cap: capacity}
}

// add registers a new request and returns its context.
func (a *activeRequests) add() context.Context {
	a.mu.Lock()
	a.compactLocked()
	if len(a.tasks) >= a.cap {
		// Give the oldest task one chance to finish before evicting it.
		a.mu.Unlock()
		runtime.Gosched()
		a.mu.Lock()
		a.compactLocked()
		if len(a.tasks) >= a.cap {
			oldest := a.tasks[0]
			oldest.cancel()
			a.tasks = a.tasks[1:]
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.tasks = append(a.tasks, &requestTask{ctx: ctx, cancel: cancel})
	a.mu.Unlock()
	return ctx
}

// done releases the slot belonging to ctx.
func (a *activeRequests) done(ctx context.Context) {
	a.mu.Lock()
	for _, t := range a.tasks {
		if t.ctx == ctx {
			t.finished = true
			t.cancel()
			break
		}
	}
	a.mu.Unlock()
}

// cancelAll aborts every in-flight request. Used on shutdown.
func (a *activeRequests) cancelAll() {
	a.mu.Lock()
	for _, t := range a.tasks {
		t.cancel()
	}
	a.tasks = nil
	a.mu.Unlock()
}

func (a *activeRequests) compactLocked() {
	live := a.tasks[:0]
	for _, t := range a.tasks {
		if !t.finished {
			live = append(live, t)
		}
	}
	a.tasks = live
}
