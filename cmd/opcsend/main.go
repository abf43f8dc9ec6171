// Command opcsend runs the multi-device CNC sender: it manages
// controller sessions, streams jobs with character-counting flow
// control, and exposes an HTTP/SSE control surface.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/openpcb/sender/coordinator"
)

func main() {
	configPath := flag.String("config", "opcsend.yml", "Path to the machine profile configuration.")
	addr := flag.String("addr", "", "Address to bind the server to (overrides config).")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("load .env")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if cfg.LogLevel != "" {
		lvl, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logrus.WithError(err).Fatal("parse log level")
		}
		logrus.SetLevel(lvl)
	}

	co := coordinator.New()
	defer co.Close()

	api := newAPI(co, cfg)

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "*")
			logrus.WithFields(logrus.Fields{
				"method": req.Method,
				"path":   req.URL.Path,
				"remote": req.RemoteAddr,
			}).Debug("request")
			api.ServeHTTP(w, req)
		}),
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logrus.Info("shutting down")
		srv.Close()
	}()

	logrus.WithField("addr", cfg.Listen).Info("opcsend listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("serve")
	}
}
