package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/manublog/manu/internal/auth"
	"github.com/manublog/manu/internal/config"
	"github.com/manublog/manu/internal/store"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command. With no subcommand it serves.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "manu",
		Short:         "manu - a small multi-user blog",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	// Global flag for config file path; CONFIG_FILE is used when empty
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewCreateAdminCmd())
	return cmd
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadConfig()
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	return run(cmd.Context(), cfg, nil, nil)
}

// Default timeout for the create-admin command.
const defaultAdminTimeout = 30 * time.Second

// adminConfig holds flags for the create-admin command.
type adminConfig struct {
	username string
	email    string
	password string
	timeout  time.Duration
}

// NewCreateAdminCmd creates the create-admin subcommand.
func NewCreateAdminCmd() *cobra.Command {
	cfg := &adminConfig{}

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create a pre-verified admin account",
		Long: `Creates an administrator that skips email verification.
The same username, email and password rules as registration apply.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCreateAdmin(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.username, "username", "", "admin username (required)")
	cmd.Flags().StringVar(&cfg.email, "email", "", "admin email (required)")
	cmd.Flags().StringVar(&cfg.password, "password", "", "admin password (required)")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultAdminTimeout, "timeout for database operations")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func runCreateAdmin(cmd *cobra.Command, ac *adminConfig) error {
	cfg, err := loadConfig()
	if err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}
	setupLogging(cfg)

	// Use cmd.Context() to respect SIGINT/SIGTERM signals
	ctx, cancel := context.WithTimeout(cmd.Context(), ac.timeout)
	defer cancel()

	cmd.Println("Connecting to database...")
	ps, err := openPostgres(ctx, cfg)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	defer ps.Close()

	id, err := createAdmin(ctx, ps, auth.NewArgon2idHasher(), ac)
	if err != nil {
		return err
	}
	cmd.Printf("Created admin %s (%s)\n", ac.username, id)
	return nil
}

// adminStore is the subset of the user store create-admin needs.
type adminStore interface {
	auth.UniquenessChecker
	CreateUser(ctx context.Context, u store.NewUser) error
}

// createAdmin validates ac like a registration and inserts a verified admin.
func createAdmin(ctx context.Context, users adminStore, hasher auth.Hasher, ac *adminConfig) (uuid.UUID, error) {
	in := auth.RegistrationInput{
		Username: strings.TrimSpace(ac.username),
		Email:    strings.ToLower(strings.TrimSpace(ac.email)),
		Password: ac.password,
		Confirm:  ac.password,
	}
	if err := auth.NewValidator(users).ValidateRegistration(ctx, in); err != nil {
		var ve *auth.ValidationError
		if errors.As(err, &ve) {
			return uuid.Nil, oops.Code("ADMIN_INVALID").Errorf("invalid admin account: %s", ve.Error())
		}
		return uuid.Nil, err
	}

	hash, err := hasher.Hash(in.Password)
	if err != nil {
		return uuid.Nil, fmt.Errorf("hashing password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generating id: %w", err)
	}
	err = users.CreateUser(ctx, store.NewUser{
		ID:           id,
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		OTPVerified:  true,
		IsAdmin:      true,
	})
	if err != nil {
		return uuid.Nil, oops.Code("ADMIN_CREATE_FAILED").With("operation", "create user").Wrap(err)
	}
	return id, nil
}
