/*
Copyright 2024 Cellmark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/cellmark/cellmark/api"
	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/internal/traces"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

/*
newHTTPServer builds the API server. With SSL enabled, CertMagic manages the
certificate of the configured domain, defaulting to localhost.
*/
func newHTTPServer(ctx context.Context, r *gin.Engine, conf config.ServerConfig) (*http.Server, error) {
	server := &http.Server{
		Addr:              ":" + conf.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !conf.SSL {
		return server, nil
	}

	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}
	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}
	server.TLSConfig = cfg.TLSConfig()
	return server, nil
}

func initializeTracing(ctx context.Context, cfg *config.Configuration) (traces.Shutdown, error) {
	shutdown, err := traces.SetupOTelSDK(ctx, "cellmark", cfg.EnableTelemetry)
	if err != nil {
		return nil, err
	}
	return shutdown, nil
}

/*
serverCommands returns the command that starts the API server. It also resumes
every persisted watch this instance can take a lease on and keeps supervising
them until the process stops.
*/
func serverCommands(c *cellmarkInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start cellmark server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := c.setup(); err != nil {
				log.Fatal(err)
			}

			shutdownTracing, err := initializeTracing(ctx, c.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			if err := c.cellmark.ResumeWatches(ctx); err != nil {
				logrus.WithError(err).Error("could not resume watched assets")
			}
			go c.cellmark.Supervise(ctx, c.cnf.Sync.LeaseDuration.Std())

			server, err := newHTTPServer(ctx, api.NewAPI(c.cellmark).Router(), c.cnf.Server)
			if err != nil {
				log.Fatal(err)
			}

			go func() {
				var err error
				if server.TLSConfig != nil {
					log.Printf("Starting HTTPS server on %s", c.cnf.Server.Port)
					err = server.ListenAndServeTLS("", "")
				} else {
					log.Printf("Starting server on http://localhost:%s", c.cnf.Server.Port)
					err = server.ListenAndServe()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatalf("Failed to start server: %v", err)
				}
			}()

			<-ctx.Done()
			logrus.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("http server did not shut down cleanly")
			}
			c.cellmark.Shutdown(shutdownCtx)
		},
	}

	return cmd
}
