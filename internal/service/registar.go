package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Probe checks the liveness of one registered service.
type Probe func() error

// Registration is one service's entry in the health registry.
type Registration struct {
	Service   string
	LocalAddr string
	probe     Probe
}

// Registar is the process-wide registry the health-check endpoint walks.
// Listeners register on entering Running and deregister on Halting.
type Registar struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistar creates an empty registry.
func NewRegistar() *Registar {
	return &Registar{entries: make(map[string]Registration)}
}

// Register adds a service and returns the id used to deregister it.
func (r *Registar) Register(service, localAddr string, probe Probe) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.entries[id] = Registration{Service: service, LocalAddr: localAddr, probe: probe}
	r.mu.Unlock()
	return id
}

// Deregister removes a service registration.
func (r *Registar) Deregister(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Entries returns a snapshot of the current registrations.
func (r *Registar) Entries() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg)
	}
	return out
}

type healthReport struct {
	Status   string          `json:"status"`
	Services []serviceReport `json:"services"`
}

type serviceReport struct {
	Service   string `json:"service"`
	LocalAddr string `json:"local_addr"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// HealthHandler serves the aggregate health of every registered service.
// All probes passing gives 200, anything failing gives 503.
func (r *Registar) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := healthReport{Status: "ok"}
		for _, reg := range r.Entries() {
			sr := serviceReport{Service: reg.Service, LocalAddr: reg.LocalAddr, Status: "ok"}
			if err := reg.probe(); err != nil {
				sr.Status = "failing"
				sr.Error = err.Error()
				report.Status = "failing"
			}
			report.Services = append(report.Services, sr)
		}

		w.Header().Set("Content-Type", "application/json")
		if report.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
