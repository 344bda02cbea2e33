package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"invent/internal/app"
	"invent/internal/config"
	"invent/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "invent",
	Short: "Invent CLI",
	Long: `Invent catalogues innovation initiatives and solutions per portfolio.
- Draft: a work-in-progress entry. Saving a draft needs only the core fields.
- Published: a validated entry with a public id. Publishing needs every publish field.
- Publish latest: re-validate a published entry and record a new version.
- Unpublished: hidden again; publish brings it back.
- Cancelled: final. Cancelling a draft that was never saved stores nothing.
- Lists: each portfolio's entries are cached and refreshed after every change.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("INVENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("redis-addr", "", "redis address for list notices (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(fieldsCmd())
	rootCmd.AddCommand(entityCmd("initiative"))
	rootCmd.AddCommand(entityCmd("solution"))
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the workspace config and layers flag and INVENT_* env
// overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if viper.IsSet("server.addr") && viper.GetString("server.addr") != "" {
		cfg.Server.Addr = viper.GetString("server.addr")
	}
	if viper.IsSet("server.base_path") && viper.GetString("server.base_path") != "" {
		cfg.Server.BasePath = viper.GetString("server.base_path")
	}
	if addr := viper.GetString("redis.addr"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if instance := viper.GetString("redis.instance"); instance != "" {
		cfg.Redis.Instance = instance
	}
	if viper.IsSet("cache.ordered_loads") {
		cfg.Cache.OrderedLoads = viper.GetBool("cache.ordered_loads")
	}
	return cfg, cfg.Validate()
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws, err := app.Open(ctx, viper.GetString("workspace"), cfg, newLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
