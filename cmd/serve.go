package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/httpserver"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP bridge server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, err := buildContainer(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return container.Invoke(func(cache *domain.LayeredCache, server *httpserver.Server) error {
				return withCache(ctx, cache, func() error {
					errCh := make(chan error, 1)
					go func() {
						errCh <- server.Start()
					}()

					select {
					case err := <-errCh:
						return err
					case <-ctx.Done():
					}

					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				})
			})
		},
	}
}
