// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/surf-results-harvester/internal/app"
	"github.com/JakeFAU/surf-results-harvester/internal/config"
)

type appKeyType string

const appKey appKeyType = "app"

// closeTimeout bounds how long the CLI waits for in-flight targets to
// checkpoint before exiting.
const closeTimeout = 30 * time.Second

// newApp is the application factory. Tests replace it to inject isolated
// registries and loggers.
var newApp = func(ctx context.Context, cfg *config.Config) (*app.App, error) {
	return app.Build(ctx, cfg)
}

// newRootCmd creates the root command and its subcommands. The app built by
// the persistent pre-run hook is stored in built so the caller can close it
// whether or not the command failed.
func newRootCmd(built **app.App) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests surfer competition results from the public results site.",
		Long: `harvester resolves surfers and events from a results site, fetches every
(surfer, year) pair with a pool of polite workers, and checkpoints each
result so an interrupted job can be resumed without refetching.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			*built = appInstance
			// serve recovers on its own before accepting requests.
			if cmd.Name() != "serve" {
				if err := appInstance.Recover(cmd.Context()); err != nil {
					return err
				}
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); HARVESTER_* variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newResumeCmd(),
		newJobsCmd(),
		newRebuildCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// run executes the CLI with args and closes the app afterwards. Closing
// stops any job still running, leaving it interrupted.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	var built *app.App
	root := newRootCmd(&built)
	root.SetArgs(args)
	root.SetOut(stdout)
	err := root.ExecuteContext(ctx)
	if built != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if closeErr := built.Close(closeCtx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}

// Execute loads a .env file when present and runs the CLI.
func Execute() {
	_ = godotenv.Load()

	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
