package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keygatehq/keygate/internal/cache"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/ratelimit"
	"github.com/keygatehq/keygate/internal/server"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/telemetry"
)

const banner = `
 _  _________   _____   _ _____ ___
| |/ / __\ \ \ / / __| /_\_   _| __|
|   <| _| \ V /| (_ |/ _ \| | | _|
|_|\_\___| |_|  \___/_/ \_\_| |___|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
		dsn  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keygate API server",
		Long:  "Start the HTTP server that exposes key verification and the root-key-gated management API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev, dsn)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 7070, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")
	cmd.Flags().StringVar(&dsn, "db", "", "Database DSN (postgres://..., mysql://..., or SQLite path; default: embedded SQLite)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("database.dsn", cmd.Flags().Lookup("db"))

	return cmd
}

func runServe(host string, port int, dev bool, dsn string) error {
	fmt.Print(banner)
	fmt.Println()

	logLevel := slog.LevelInfo
	if dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if dsn != "" {
		viper.Set("database.dsn", dsn)
	}
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	logger.Info("store initialized", "driver", st.Driver())

	keyTTL := viper.GetDuration("cache.key_ttl")
	if keyTTL == 0 {
		keyTTL = time.Minute
	}
	negTTL := viper.GetDuration("cache.negative_ttl")
	if negTTL == 0 {
		negTTL = 10 * time.Second
	}
	engine := service.NewEngine(st, cache.New[model.Key](keyTTL, negTTL), ratelimit.NewCounter(), logger)

	sessionSecret := viper.GetString("auth.session_secret")
	if sessionSecret == "" {
		// Ephemeral secret: sessions do not survive a restart, root keys
		// always work.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		sessionSecret = hex.EncodeToString(buf)
		logger.Warn("auth.session_secret not set, issued session tokens will not survive restarts")
	}
	sessionTTL := viper.GetDuration("auth.session_ttl")
	if sessionTTL == 0 {
		sessionTTL = 15 * time.Minute
	}
	sessions := service.NewSessions(sessionSecret, sessionTTL)

	cfg := server.DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	if origins := viper.GetStringSlice("server.cors_origins"); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}
	if rate := viper.GetInt("server.verify_rate_per_minute"); rate > 0 {
		cfg.VerifyRatePerMinute = rate
	}

	tracker := telemetry.New(context.Background(), st, func() telemetry.Properties {
		counts, err := st.CountResources(context.Background())
		if err != nil {
			logger.Debug("count resources for telemetry", "error", err)
		}
		return telemetry.Properties{
			Version:    appVersion,
			GoVersion:  runtime.Version(),
			OS:         runtime.GOOS,
			Arch:       runtime.GOARCH,
			Driver:     st.Driver(),
			Workspaces: counts.Workspaces,
			Keys:       counts.Keys,
			Roles:      counts.Roles,
			Namespaces: counts.Namespaces,
			Overrides:  counts.Overrides,
		}
	})
	if tracker != nil {
		telemetry.PrintNotice()
		tracker.Start()
		defer tracker.Shutdown()
	}

	srv := server.New(cfg, st, engine, sessions, logger)

	fmt.Printf("→ Keygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ Verify:  POST http://%s:%d/v1/keys.verifyKey\n", host, port)
	fmt.Printf("→ Health:  http://%s:%d/healthz\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}
