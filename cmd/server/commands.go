package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"groupchat/internal/auth"
	"groupchat/internal/lastseen"
	"groupchat/internal/server"
	"groupchat/internal/storage"
)

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
)

// buildRootCmd creates the root command; running it without a subcommand serves
func buildRootCmd(logger *zap.SugaredLogger) *cobra.Command {
	root := &cobra.Command{
		Use:   "groupchat",
		Short: "Realtime group chat server",
		Long: `Realtime group chat server: servers, channels, messages, presence and typing
over a websocket, with a REST API for the same operations.

Configuration is read from environment variables (HOST, PORT, JWT_SECRET, STORAGE_BACKEND,
DB_*, REDIS_ADDR, TYPING_TTL, ...).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger)
		},
	}

	root.AddCommand(
		buildServeCmd(logger),
		buildMigrateCmd(logger),
		buildUserCmd(logger),
		buildTokenCmd(logger),
	)

	return root
}

func buildServeCmd(logger *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		Long:  `Start the server. SIGINT and SIGTERM close every live connection and drain pending status writes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger)
		},
	}
}

func buildMigrateCmd(logger *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfig()
			if err != nil {
				return err
			}
			store, err := openPostgres(cmd.Context(), logger, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("applying schema: %w", err)
			}
			logger.Info("Schema is applied")
			return nil
		},
	}
}

func buildUserCmd(logger *zap.SugaredLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var username, email string
	create := &cobra.Command{
		Use:     "create",
		Short:   "Create a user and print a token for it",
		Example: `  groupchat user create --username alice --email alice@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfig()
			if err != nil {
				return err
			}
			store, err := openPostgres(cmd.Context(), logger, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			u, err := store.CreateUser(cmd.Context(), username, email)
			if err != nil {
				return fmt.Errorf("creating user: %w", err)
			}
			token, err := issue(cfg, u)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "id: %s\ntoken: %s\n", u.ID, token)
			return nil
		},
	}
	create.Flags().StringVar(&username, "username", "", "Unique user name")
	create.Flags().StringVar(&email, "email", "", "Unique email address")
	_ = create.MarkFlagRequired("username")
	_ = create.MarkFlagRequired("email")

	cmd.AddCommand(create)
	return cmd
}

func buildTokenCmd(logger *zap.SugaredLogger) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfig()
			if err != nil {
				return err
			}
			store, err := openPostgres(cmd.Context(), logger, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			u, err := store.GetUserByID(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("reading user %s: %w", userID, err)
			}
			token, err := issue(cfg, u)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func parseConfig() (server.EnvConfig, error) {
	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse env config: %w", err)
	}
	return cfg, nil
}

func issue(cfg server.EnvConfig, u storage.User) (string, error) {
	v := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	token, err := v.Issue(auth.Identity{UserID: u.ID, Email: u.Email, Username: u.Username}, cfg.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("issuing token: %w", err)
	}
	return token, nil
}

func openPostgres(ctx context.Context, logger *zap.SugaredLogger, cfg server.EnvConfig) (*storage.Store, error) {
	store, err := storage.New(ctx, logger, cfg.DB.DSN(), storage.ConnectionTimeout(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("cannot create Store instance: %w", err)
	}
	return store, nil
}

func runServe(ctx context.Context, logger *zap.SugaredLogger) error {
	logger.Info("Application is starting")

	cfg, err := parseConfig()
	if err != nil {
		return err
	}

	var (
		store   server.Store
		closers []func()
	)
	switch cfg.Backend {
	case backendMemory:
		logger.Warn("Using the in-memory store, nothing survives a restart")
		store = storage.NewMemory()
	case backendPostgres:
		pg, err := openPostgres(ctx, logger, cfg)
		if err != nil {
			return err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return fmt.Errorf("applying schema: %w", err)
		}
		store = pg
		closers = append(closers, func() {
			logger.Info("Closing store")
			pg.Close()
			logger.Info("Store is closed")
		})
	default:
		return errors.New("STORAGE_BACKEND must be memory or postgres")
	}

	opts := []server.Option{
		server.WithEnvConfig(cfg),
		server.ReadTimeout(5 * time.Second),
		server.TimeoutHandler(cfg.RequestTimeout, "request timed out"),
	}

	if cfg.RedisAddr != "" {
		ls, err := lastseen.New(ctx, redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		if err != nil {
			return err
		}
		opts = append(opts, server.WithLastSeen(ls))
		closers = append(closers, func() {
			if err := ls.Close(); err != nil {
				logger.Errorf("Closing Redis client: %v", err)
			}
		})
	}

	for _, f := range closers {
		opts = append(opts, server.RegisterAfterShutdown(f))
	}

	srv, err := server.NewServer(logger, store, auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer), opts...)
	if err != nil {
		return fmt.Errorf("cannot create Server instance: %w", err)
	}

	return srv.Start()
}
