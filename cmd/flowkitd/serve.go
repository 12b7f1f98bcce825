// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowkit/flowkit/internal/gateway"
	"github.com/flowkit/flowkit/internal/lifecycle"
	"github.com/flowkit/flowkit/internal/loader"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/scheduler"
)

var (
	serveAddr string
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the flowkit daemon: load flows, start the engine, serve the gateway",
		Long: `serve loads every flow definition from the configured directory, starts
the engine's queue workers and scheduler, and serves the webhook/WebSocket
gateway until interrupted.`,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", ":8080", "address the gateway HTTP server listens on")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	n := names.New(a.cfg.Store.Prefix)
	gw := gateway.New(gateway.Config{Names: n, RateLimit: gateway.DefaultRateLimitConfig()},
		a.engine.Trigger(), a.engine.Await(), a.bus, a.engine, a.logger)

	ld := loader.New(a.cfg.Dir, nil, a.logger)
	sched := scheduler.New(a.store, a.engine.Await(), a.engine.Trigger(), n, 30*time.Second, a.logger)

	httpServer := &http.Server{Addr: serveAddr, Handler: gw.Mux()}

	group := lifecycle.NewGroup(a.logger)
	group.Register("backend", func(ctx context.Context) error {
		return a.closer()
	})
	group.Register("loader", func(ctx context.Context) error {
		return ld.Stop()
	})
	group.Register("scheduler", func(ctx context.Context) error {
		sched.Stop()
		return nil
	})
	group.Register("gateway-http", func(ctx context.Context) error {
		return httpServer.Shutdown(ctx)
	})

	return lifecycle.RunUntilSignal(context.Background(), a.logger, group, 15*time.Second, func(ctx context.Context) error {
		if err := a.engine.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		if err := ld.Start(ctx, a.engine); err != nil {
			return fmt.Errorf("start loader: %w", err)
		}
		sched.Start(ctx)

		go func() {
			a.logger.Info("gateway listening", "addr", serveAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("gateway server error", "error", err)
			}
		}()
		return nil
	})
}
