package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/chatcore/internal/api"
	"github.com/npezzotti/chatcore/internal/chat"
	"github.com/npezzotti/chatcore/internal/config"
	"github.com/npezzotti/chatcore/internal/database"
	"github.com/npezzotti/chatcore/internal/events"
	"github.com/npezzotti/chatcore/internal/logging"
	"github.com/npezzotti/chatcore/internal/presence"
	"github.com/npezzotti/chatcore/internal/server"
	"github.com/npezzotti/chatcore/internal/stats"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"addr":                config.KeyAddr,
	"store":               config.KeyStore,
	"dsn":                 config.KeyDSN,
	"migrate":             config.KeyMigrate,
	"signing-key":         config.KeySigningKey,
	"allowed-origins":     config.KeyAllowedOrigins,
	"log-level":           config.KeyLogLevel,
	"log-file":            config.KeyLogFile,
	"log-mode":            config.KeyLogMode,
	"redis-addr":          config.KeyRedisAddr,
	"redis-password":      config.KeyRedisPassword,
	"redis-db":            config.KeyRedisDB,
	"kafka-brokers":       config.KeyKafkaBrokers,
	"kafka-topic":         config.KeyKafkaTopic,
	"ws-send-buffer":      config.KeyWSSendBuffer,
	"ws-max-message-size": config.KeyWSMaxMessageSize,
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "chatcore",
		Short:        "Real-time chat server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile == "" {
				return nil
			}
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")

	f := cmd.PersistentFlags()
	f.String("addr", "localhost:8000", "server address")
	f.String("store", config.StoreMemory, "message store: postgres or memory")
	f.String("dsn", "", "postgres connection string")
	f.Bool("migrate", false, "apply schema migrations on start")
	f.String("signing-key", "", "base64 encoded signing key; enables bearer token identity")
	f.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	f.String("log-level", "info", "log level")
	f.String("log-file", "", "log file; stderr when empty")
	f.String("log-mode", "prod", "log mode: dev or prod")
	f.String("redis-addr", "", "redis address; enables the presence mirror")
	f.String("redis-password", "", "redis password")
	f.Int("redis-db", 0, "redis database")
	f.StringSlice("kafka-brokers", nil, "kafka brokers; enables the event relay")
	f.String("kafka-topic", "chat-events", "kafka topic for chat events")
	f.Int("ws-send-buffer", 256, "outbound frames buffered per connection")
	f.Int64("ws-max-message-size", 4096, "largest inbound frame in bytes")

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newMigrateCmd(v), newTokenCmd(v))
	return cmd
}

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply postgres schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v.Set(config.KeyStore, config.StorePostgres)
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			db, err := database.NewPgChatRepository(cfg.DatabaseDSN)
			if err != nil {
				return fmt.Errorf("db open: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Print a signed bearer token for USER_ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if len(cfg.SigningKey) == 0 {
				return errors.New("a signing key is required to issue tokens")
			}

			token, err := api.NewToken(args[0], cfg.SigningKey, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func openStore(cfg *config.Config, logger *zap.Logger) (database.ChatRepository, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using the in-memory store; data is lost on exit")
		return database.NewMemoryChatRepository(), nil
	}

	db, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	if cfg.Migrate {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}

	return db, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	repo, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	svc := chat.NewService(repo, repo, logger.Named("chat"))

	var mirror server.PresenceMirror
	if cfg.Redis.Addr != "" {
		redisMirror, err := presence.NewRedisMirror(ctx, cfg.Redis, logger.Named("presence"))
		if err != nil {
			return fmt.Errorf("presence mirror: %w", err)
		}
		defer redisMirror.Close()
		mirror = redisMirror
	}

	chatServer, err := server.NewChatServer(logger.Named("ws"), svc, mirror, statsUpdater, server.Options{
		SendBuffer:     cfg.WS.SendBuffer,
		MaxMessageSize: cfg.WS.MaxMessageSize,
	})
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}
	svc.AddSink(chatServer)

	if len(cfg.Kafka.Brokers) > 0 {
		sink := events.NewKafkaSink(cfg.Kafka, logger.Named("events"))
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Error("kafka close", zap.Error(err))
			}
		}()
		svc.AddSink(sink)
	}

	srv := api.NewServer(mux, logger.Named("api"), svc, chatServer, repo, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("chat server shutdown", zap.Error(err))
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
