// Package service wraps each listener in a common lifecycle: Stopped →
// Starting → Running → Halting → Stopped, with registration into the
// process-wide health registry while running.
package service

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/da2ce7/torrust-tracker/pkg/log"
)

// State is the lifecycle position of a service.
type State int

const (
	// Stopped means no listener is bound.
	Stopped State = iota
	// Starting means the listener is binding.
	Starting
	// Running means the listener is serving; the halt channel is live.
	Running
	// Halting means shutdown is in progress.
	Halting
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Halting:
		return "halting"
	default:
		return "stopped"
	}
}

// Listener is one bound protocol frontend. Serve blocks until Stop is
// called; Stop must be safe to call once Serve has been started.
type Listener interface {
	Addr() net.Addr
	Serve() error
	Stop()
}

// StartFunc binds and returns a ready listener.
type StartFunc func() (Listener, error)

// Service drives one listener through its lifecycle.
type Service struct {
	name     string
	start    StartFunc
	registar *Registar

	mu       sync.Mutex
	state    State
	listener Listener
	halted   chan error
	regID    string
}

// New creates a stopped service. registar may be nil when health checks
// are disabled.
func New(name string, start StartFunc, registar *Registar) *Service {
	return &Service{name: name, start: start, registar: registar}
}

// Name returns the service's configured name.
func (s *Service) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address, or nil unless running.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start moves Stopped → Starting → Running. The listener serves on its
// own goroutine; its exit error is collected by Halt.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return fmt.Errorf("service %s: cannot start while %s", s.name, s.state)
	}
	s.state = Starting
	s.mu.Unlock()

	listener, err := s.start()
	if err != nil {
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		return fmt.Errorf("service %s: %w", s.name, err)
	}

	halted := make(chan error, 1)
	go func() {
		halted <- listener.Serve()
	}()

	s.mu.Lock()
	s.listener = listener
	s.halted = halted
	s.state = Running
	if s.registar != nil {
		s.regID = s.registar.Register(s.name, listener.Addr().String(), s.probe)
	}
	s.mu.Unlock()

	log.Info("service started", log.Fields{"service": s.name, "addr": listener.Addr().String()})
	return nil
}

// Halt moves Running → Halting → Stopped, joining the serve goroutine
// before returning.
func (s *Service) Halt() error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return fmt.Errorf("service %s: cannot halt while %s", s.name, s.state)
	}
	s.state = Halting
	listener := s.listener
	halted := s.halted
	regID := s.regID
	s.mu.Unlock()

	if s.registar != nil && regID != "" {
		s.registar.Deregister(regID)
	}

	listener.Stop()
	err := <-halted

	s.mu.Lock()
	s.state = Stopped
	s.listener = nil
	s.halted = nil
	s.regID = ""
	s.mu.Unlock()

	log.Info("service stopped", log.Fields{"service": s.name})
	return err
}

// probe is the health check registered while running.
func (s *Service) probe() error {
	if s.State() != Running {
		return errors.New("not running")
	}
	return nil
}
