package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"invent/internal/app"
	"invent/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				logger := ws.Engine.Logger
				handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: ws.Config.Server.BasePath, Logger: logger})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, server.WebhookOptions{
					Engine:   ws.Engine,
					Webhooks: ws.Config.Webhooks,
					Logger:   logger,
				})
				if ws.Bus != nil {
					sub, err := ws.Bus.Subscribe(ctx)
					if err != nil {
						return err
					}
					defer sub.Close()
					go ws.Engine.FollowNotices(ctx, sub)
					logger.Info("following list notices", "redis", ws.Config.Redis.Addr, "instance", ws.Config.Redis.Instance)
				}

				addr := ws.Config.Server.Addr
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				basePath := ws.Config.Server.BasePath
				if basePath == "" {
					basePath = "/v0"
				}
				fmt.Printf("Serving Invent API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides config)")
	cmd.Flags().String("base-path", "", "API base path (overrides config)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}
