package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listingwatch/internal/config"
	"github.com/JakeFAU/listingwatch/internal/server"
	"github.com/JakeFAU/listingwatch/internal/triggers"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

// application is the long-running service.
type application interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// commands are the trigger entry points one-shot subcommands call.
type commands interface {
	EntryCreated(ctx context.Context, entryID string) (watch.Result, error)
	EntryDeleted(ctx context.Context, entryID string) (watch.DeletionStats, error)
	UserDeleted(ctx context.Context, ref string) (triggers.UserDeletion, error)
	RefreshUser(ctx context.Context, userID string) (watch.Result, error)
	PurgeListings(ctx context.Context) (watch.DeletionStats, error)
}

// builder is the application factory; tests swap it for fakes.
type builder func(ctx context.Context, cfg config.Config) (application, commands, error)

func buildServer(ctx context.Context, cfg config.Config) (application, commands, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return app, app.Triggers(), nil
}

type cli struct {
	cfgFile string
	build   builder
	app     application
	cmds    commands
}

// newRootCmd creates the root command. The application is built once in PersistentPreRunE and released by
// close after Execute returns, whether or not the subcommand failed.
func newRootCmd(build builder) (*cobra.Command, *cli) {
	c := &cli{build: build}
	cmd := &cobra.Command{
		Use:   "listingwatch",
		Short: "Acquire classified listings for watchlists and keep the store consistent.",
		Long: `listingwatch renders the result pages users put on their watchlist, extracts each listing
and stores it under the owning entry. It also runs the cascades that remove listings and
watchlist entries when their parents go away.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c.app, c.cmds, err = c.build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		c.newServeCmd(),
		c.newRefreshCmd(),
		c.newAcquireCmd(),
		c.newCascadeCmd(),
		c.newPurgeCmd(),
	)
	return cmd, c
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.app.Close(ctx); err != nil {
		return fmt.Errorf("close application: %w", err)
	}
	return nil
}

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, task workers and event subscriber",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

func (c *cli) newRefreshCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one acquisition over every watchlist entry of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := c.cmds.RefreshUser(cmd.Context(), userID)
			if result.RunID != "" {
				if werr := printJSON(cmd.OutOrStdout(), result); werr != nil {
					return werr
				}
			}
			if err != nil {
				return fmt.Errorf("refresh %s: %w", userID, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id whose watchlist is refreshed")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) newAcquireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "acquire <entry-id>",
		Short: "Run one acquisition for a single watchlist entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.cmds.EntryCreated(cmd.Context(), args[0])
			if result.RunID != "" {
				if werr := printJSON(cmd.OutOrStdout(), result); werr != nil {
					return werr
				}
			}
			if err != nil {
				return fmt.Errorf("acquire %s: %w", args[0], err)
			}
			return nil
		},
	}
}

func (c *cli) newCascadeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cascade",
		Short: "Delete dependent documents synchronously",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "entry <entry-id>",
			Short: "Delete every listing of a removed watchlist entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				stats, err := c.cmds.EntryDeleted(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("cascade entry %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), stats)
			},
		},
		&cobra.Command{
			Use:   "user <handle-or-user-id>",
			Short: "Remove a user account, its watchlist and its listings",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				deletion, err := c.cmds.UserDeleted(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("cascade user %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), deletion)
			},
		},
	)
	return cmd
}

func (c *cli) newPurgeCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every listing in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return fmt.Errorf("purge deletes all listings; pass --yes to confirm")
			}
			stats, err := c.cmds.PurgeListings(cmd.Context())
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the purge")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
