package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andres-erbsen/clock"

	"github.com/da2ce7/torrust-tracker/internal/api"
	"github.com/da2ce7/torrust-tracker/internal/config"
	"github.com/da2ce7/torrust-tracker/internal/httptracker"
	"github.com/da2ce7/torrust-tracker/internal/service"
	"github.com/da2ce7/torrust-tracker/internal/storage"
	"github.com/da2ce7/torrust-tracker/internal/tracker"
	"github.com/da2ce7/torrust-tracker/internal/udp"
	"github.com/da2ce7/torrust-tracker/pkg/log"
)

func main() {
	configPath := flag.String("config", "tracker.yml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load configuration", log.Err(err))
	}
	log.SetDebug(cfg.LogDebug)

	var store storage.Store
	if cfg.Database.Enabled {
		store, err = storage.ConnectPostgres(cfg.Database.ConnString)
		if err != nil {
			log.Fatal("failed to connect to database", log.Err(err))
		}
	} else {
		store = storage.NewMemory()
	}
	defer store.Close()

	clk := clock.New()
	tkr := tracker.New(tracker.Mode(cfg.Mode), cfg.TrackerSettings(), store, clk)
	if err := tkr.LoadFromStore(); err != nil {
		log.Fatal("failed to load tracker state", log.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tkr.RunPersister(ctx)
	go tkr.RunSweeper(ctx)

	registar := service.NewRegistar()
	services := buildServices(cfg, tkr, clk, registar)

	var started []*service.Service
	for _, svc := range services {
		if err := svc.Start(); err != nil {
			log.Error("failed to start service", log.Fields{"service": svc.Name(), "error": err})
			haltAll(started)
			os.Exit(1)
		}
		started = append(started, svc)
	}

	watcher, err := config.NewWatcher(*configPath, func(updated *config.Config) {
		log.SetDebug(updated.LogDebug)
		tkr.UpdateSettings(updated.TrackerSettings())
	})
	if err == nil {
		if err := watcher.Start(); err != nil {
			log.Warn("config watcher not running", log.Err(err))
		} else {
			defer watcher.Stop()
		}
	} else {
		log.Warn("config watcher not available", log.Err(err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info("shutting down", log.Fields{"signal": received.String()})

	cancel()
	haltAll(started)
}

// buildServices assembles the lifecycle wrapper for every configured
// listener.
func buildServices(cfg *config.Config, tkr *tracker.Tracker, clk clock.Clock, registar *service.Registar) []*service.Service {
	var services []*service.Service

	for i, endpoint := range cfg.UDPTrackers {
		endpoint := endpoint
		name := fmt.Sprintf("udp-tracker-%d", i)
		services = append(services, service.New(name, func() (service.Listener, error) {
			cookies, err := udp.NewCookieJar(clk)
			if err != nil {
				return nil, err
			}
			return udp.NewServer(udp.Config{Addr: endpoint.BindAddress}, tkr, cookies)
		}, registar))
	}

	for i, endpoint := range cfg.HTTPTrackers {
		endpoint := endpoint
		name := fmt.Sprintf("http-tracker-%d", i)
		services = append(services, service.New(name, func() (service.Listener, error) {
			return httptracker.NewServer(httptracker.Config{
				Addr:         endpoint.BindAddress,
				ReverseProxy: cfg.OnReverseProxy,
				TLSCert:      endpoint.SSLCert,
				TLSKey:       endpoint.SSLKey,
			}, tkr)
		}, registar))
	}

	if cfg.HTTPAPI.Enabled {
		services = append(services, service.New("http-api", func() (service.Listener, error) {
			return api.NewServer(api.Config{
				Addr:        cfg.HTTPAPI.BindAddress,
				AccessToken: cfg.HTTPAPI.AccessToken,
			}, tkr)
		}, registar))
	}

	if cfg.HealthCheckAPI.Enabled {
		services = append(services, service.New("health-check-api", func() (service.Listener, error) {
			return service.NewHealthServer(cfg.HealthCheckAPI.BindAddress, registar)
		}, nil))
	}

	return services
}

// haltAll stops services in reverse start order, joining each one.
func haltAll(services []*service.Service) {
	for i := len(services) - 1; i >= 0; i-- {
		if services[i].State() != service.Running {
			continue
		}
		if err := services[i].Halt(); err != nil {
			log.Error("service exited with error", log.Fields{
				"service": services[i].Name(),
				"error":   err,
			})
		}
	}
}
