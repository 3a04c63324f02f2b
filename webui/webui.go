// Package webui serves the read-only status API of a discovery node:
// JSON views of the local record, routing table and transport counters,
// plus the prometheus /metrics endpoint.
package webui

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"

	"github.com/bauerj/nim-eth/discv5"
	"github.com/bauerj/nim-eth/webui/handlers"
)

// Config contains configuration for the status API server.
type Config struct {
	// Host is the listen host (default 127.0.0.1)
	Host string

	// Port is the listen port (default 8080)
	Port int
}

// StartHTTPServer serves the status API in the background.
func StartHTTPServer(cfg *Config, logger logrus.FieldLogger, service *discv5.Service) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}

	router := mux.NewRouter()

	statusHandler := handlers.NewStatusHandler(service)
	router.HandleFunc("/", statusHandler.Overview).Methods("GET")
	router.HandleFunc("/nodes", statusHandler.Nodes).Methods("GET")
	router.HandleFunc("/enr", statusHandler.ENR).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.UseHandler(router)

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		IdleTimeout: 120 * time.Second,
		Handler:     n,
	}

	logger.WithField("addr", srv.Addr).Info("status API listening")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("status API server failed")
		}
	}()
}
