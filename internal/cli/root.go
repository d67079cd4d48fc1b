// Package cli implements cartctl, a terminal client for the cart service
// that keeps working from its local cache when the service is down.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/client"
	"github.com/fjod/go_cart/cart-core/internal/logger"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Server  string
	State   string
	Timeout time.Duration

	// Open builds the cart client for one command run. Tests replace it.
	Open func(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*Env, error)
}

var ValidFormats = []string{"text", "json"}

// Env is everything a command needs.
type Env struct {
	Session *client.SessionContext
	Cart    *client.Client
	close   func() error
}

func (e *Env) Close() error {
	if e.close == nil {
		return nil
	}
	return e.close()
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Open: openEnv})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cartctl",
		Short: "cartctl - shopping cart from the terminal",
		Long: `Manage a shopping cart as a guest or a signed-in user.

Changes are sent to the cart service. When it cannot be reached they are
applied to the local cart and marked stale until the next successful sync.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("CARTCTL_SERVER", "http://localhost:8080"), "cart service base URL")
	cmd.PersistentFlags().StringVar(&opts.State, "state", envOr("CARTCTL_STATE", defaultStatePath()), "local state database")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", client.DefaultTimeout, "request timeout")

	cmd.AddCommand(
		newShowCommand(opts),
		newAddCommand(opts),
		newUpdateCommand(opts),
		newRemoveCommand(opts),
		newClearCommand(opts),
		newDiscountCommand(opts),
		newGiftCommand(opts),
		newValidateCommand(opts),
		newLoginCommand(opts),
		newLogoutCommand(opts),
		newResetCommand(opts),
	)
	return cmd
}

func openEnv(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*Env, error) {
	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	log, err := logger.New(cmd.ErrOrStderr(), level, "text")
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.State), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	store, err := client.OpenLocalStore(opts.State)
	if err != nil {
		return nil, err
	}

	session := client.NewSessionContext(store, log)
	session.Initialize(ctx)
	api := client.NewAPI(opts.Server, session, opts.Timeout, log)

	return &Env{
		Session: session,
		Cart:    client.NewClient(api, session, store, log, client.Options{}),
		close:   store.Close,
	}, nil
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "cartctl", "state.db")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// withEnv opens the environment, runs fn and closes it again.
func withEnv(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, env *Env, out *Formatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := opts.Open(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	out := &Formatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return fn(ctx, env, out)
}
