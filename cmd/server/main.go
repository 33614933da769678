// Command userfeed serves the users/posts/comments API.
//
//	userfeed            same as "userfeed serve"
//	userfeed serve      start the HTTP server
//	userfeed load       run one seed pass and print its counters
//
// Every flag can also be set through the environment, see internal/config.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sakif/userfeed/internal/config"
	"github.com/sakif/userfeed/internal/repository"
	"github.com/sakif/userfeed/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "userfeed",
		Short:         "Users, posts and comments API seeded from JSONPlaceholder",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "load",
		Short: "Seed the store from upstream once and print the result as JSON",
		RunE:  runLoad,
	})
	return root
}

// setup loads the config and builds the logger. Errors are logged here
// because cobra's own error printing is silenced.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, nil, err
	}

	// stdout is reserved for command output such as the load result.
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func runLoad(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := server.OpenStore(cfg)(ctx)
	if err != nil {
		logger.Error("database connection failed", slog.String("error", err.Error()))
		return err
	}
	defer store.Close(context.Background())

	users := server.NewUserService(cfg, repository.Connected(store), logger, nil)
	result, err := users.Load(ctx)
	if result != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			return fmt.Errorf("writing result: %w", encErr)
		}
	}
	if err != nil {
		logger.Error("load failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}
