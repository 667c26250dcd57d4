package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leveling/leveling/internal/cache"
	"github.com/leveling/leveling/internal/cloudsync"
	"github.com/leveling/leveling/internal/dashboard"
	"github.com/leveling/leveling/internal/logging"
	"github.com/leveling/leveling/internal/remote"
	"github.com/leveling/leveling/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run the cloud save endpoint",
	Long: `Serve save records over HTTP for devices running lvl sync.

Records are kept in PostgreSQL when server.dsn is set, otherwise in memory
(useful for local testing). Requests need a bearer token minted with
"lvl token" using the same server.jwt_secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Server.Addr
		}
		logger := logging.For(baseLogger, "server")

		var store remote.Remote
		if cfg.Server.DSN != "" {
			g, err := remote.OpenPostgres(cfg.Server.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()
			store = g
		} else {
			fmt.Println(ui.RenderWarn("No server.dsn set: records are kept in memory only"))
			store = remote.NewMemory()
		}

		srv, err := remote.NewServer(remote.ServerConfig{
			Remote:      store,
			JWTSecret:   cfg.Server.JWTSecret,
			SentryDSN:   cfg.Server.SentryDSN,
			Environment: cfg.Server.Environment,
			Logger:      logger,
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Listen(addr) }()
		fmt.Printf("%s Save endpoint listening on %s\n", ui.RenderAccent("🌐"), addr)

		select {
		case err := <-errCh:
			return fmt.Errorf("server stopped: %w", err)
		case <-ctx.Done():
		}
		fmt.Println("\nShutting down...")
		return srv.Shutdown()
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token <user-id>",
	GroupID: "advanced",
	Short:   "Mint a bearer token for a user",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		tok, err := remote.IssueToken(cfg.Server.JWTSecret, args[0], ttl)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"user_id": args[0], "token": tok, "expires_at": time.Now().Add(ttl)})
		}
		fmt.Println(tok)
		return nil
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Stream live player stats over WebSocket",
	Long: `Start a WebSocket server that pushes player stats and app events.

Clients connect to ws://host:port/ws and receive a stats message on connect,
then every event followed by refreshed stats. Changes made by other lvl
processes are picked up by watching the data directory. When sync is
configured, auto-sync runs alongside.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.Dashboard.Port
		}

		return withApp(cmd.Context(), func(a *app) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c := cache.New(a.store, logging.For(baseLogger, "cache"))
			if err := c.Refresh(ctx); err != nil {
				return fmt.Errorf("failed to load state: %w", err)
			}

			srv := dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Logger: logging.For(baseLogger, "dashboard"),
			})
			h := dashboard.NewHandler(srv, c, logging.For(baseLogger, "dashboard"))
			h.Attach(a.bus)
			defer h.Detach()
			c.OnReload(func([]string) { h.BroadcastStats() })

			if err := srv.Start(); err != nil {
				return err
			}
			defer func() { _ = srv.Stop() }()

			go func() {
				if err := c.Watch(ctx, cache.DefaultDebounce); err != nil {
					a.logger.Printf("Warning: file watch stopped: %v", err)
				}
			}()

			if a.sync.Configured() {
				runner := cloudsync.NewRunner(a.sync, cloudsync.RunnerConfig{Interval: cfg.Sync.Interval, Bus: a.bus})
				runner.Start(ctx)
				defer runner.Stop()
			}

			fmt.Printf("%s Dashboard on ws://%s/ws\n", ui.RenderAccent("📊"), srv.Addr())
			fmt.Printf("\nPress Ctrl+C to stop\n\n")
			<-ctx.Done()
			fmt.Println("\nShutting down...")
			return nil
		})
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default: server.addr)")
	tokenCmd.Flags().Duration("ttl", 30*24*time.Hour, "Token lifetime")
	dashboardCmd.Flags().Int("port", 0, "Port to listen on (default: dashboard.port)")

	rootCmd.AddCommand(serveCmd, tokenCmd, dashboardCmd)
}
