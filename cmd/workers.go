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
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cellmark/cellmark"
	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/internal/metrics"
	redis_db "github.com/cellmark/cellmark/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
)

func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.WebhookQueue:     3,
		cfg.Queue.ExpiryCheckQueue: 1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency:     conf.Queue.Concurrency,
			Queues:          queues,
			ShutdownTimeout: 10 * time.Second,
		},
	), nil
}

func initializeTaskHandlers(c *cellmark.Cellmark, cfg *config.Configuration, mux *asynq.ServeMux) {
	mux.HandleFunc(cfg.Queue.WebhookQueue, cellmark.ProcessWebhook)
	mux.HandleFunc(cfg.Queue.ExpiryCheckQueue, c.ProcessExpiryCheck)
}

// workerCommands defines the "workers" command, which delivers webhooks and runs
// transfer expiry checks.
func workerCommands(c *cellmarkInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start cellmark workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			if err := c.setup(); err != nil {
				log.Fatal(err)
			}
			conf := c.cnf

			shutdown, err := initializeTracing(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(conf, initializeQueues(conf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(c.cellmark, conf, mux)

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Server.MonitoringPort)
				log.Printf("Worker metrics listening on %s/metrics", monitoringAddr)
				m := http.NewServeMux()
				m.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(monitoringAddr, m); err != nil {
					log.Printf("could not start metrics server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
