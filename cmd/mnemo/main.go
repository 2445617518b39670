package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hession/mnemo/internal/cli"
	"github.com/hession/mnemo/internal/config"
	"github.com/hession/mnemo/internal/logger"
	"github.com/hession/mnemo/internal/memory"
)

var (
	version = "0.1.0"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree writing to out.
func newRootCmd(out io.Writer) *cobra.Command {
	var (
		configDir string
		resume    bool
	)

	rootCmd := &cobra.Command{
		Use:   "mnemo",
		Short: "mnemo - a terminal chat client that remembers",
		Long: `mnemo is a terminal chat client with on-device long-term memory.

Facts you mention are extracted, embedded and stored locally, and relevant
ones are recalled as context in later conversations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := setup(configDir)
			if err != nil {
				return err
			}
			defer closeLog()

			logConfigInfo(log, cfg)
			return cli.Run(cfg, log, version, resume)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.Flags().BoolVarP(&resume, "resume", "r", false, "continue the most recent conversation")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.DefaultDir(), "configuration directory")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			fmt.Fprintf(cmd.OutOrStdout(), "\nConfig file path: %s\n", config.Path(configDir))
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mnemo v%s\n", version)
		},
	}

	rootCmd.AddCommand(configCmd, versionCmd, newMemoryCmd(&configDir))
	return rootCmd
}

func newMemoryCmd(configDir *string) *cobra.Command {
	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage long-term memory",
	}

	// withApp runs fn against a fully wired application.
	withApp := func(fn func(ctx context.Context, cmd *cobra.Command, app *cli.App) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := setup(*configDir)
			if err != nil {
				return err
			}
			defer closeLog()

			app, err := cli.NewApp(cfg, log)
			if err != nil {
				return err
			}
			defer app.Close()
			return fn(cmd.Context(), cmd, app)
		}
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, cmd *cobra.Command, app *cli.App) error {
				stats, err := app.Memory.Stats(ctx)
				if err != nil {
					return err
				}
				cli.WriteMemoryStats(cmd.OutOrStdout(), stats)
				return nil
			})(cmd, args)
		},
	}

	var limit int
	var threshold float64
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories by meaning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withApp(func(ctx context.Context, cmd *cobra.Command, app *cli.App) error {
				var opts []memory.SearchOption
				if cmd.Flags().Changed("limit") {
					opts = append(opts, memory.WithLimit(limit))
				}
				if cmd.Flags().Changed("threshold") {
					opts = append(opts, memory.WithThreshold(threshold))
				}
				results, err := app.Memory.Search(ctx, query, opts...)
				if err != nil {
					return err
				}
				cli.WriteSearchResults(cmd.OutOrStdout(), query, results)
				return nil
			})(cmd, args)
		},
	}
	searchCmd.Flags().IntVar(&limit, "limit", 10, "maximum number of results")
	searchCmd.Flags().Float64Var(&threshold, "threshold", 0.7, "minimum similarity")

	var conversation int64
	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored memories, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, cmd *cobra.Command, app *cli.App) error {
				var owner *int64
				if cmd.Flags().Changed("conversation") {
					owner = &conversation
				}
				recs, err := app.Memory.List(ctx, owner)
				if err != nil {
					return err
				}
				cli.WriteRecords(cmd.OutOrStdout(), recs, listLimit)
				return nil
			})(cmd, args)
		},
	}
	listCmd.Flags().Int64Var(&conversation, "conversation", 0, "only memories from this conversation")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of memories to show (0 for all)")

	forgetCmd := &cobra.Command{
		Use:   "forget <id>",
		Short: "Delete one memory, or every memory of a conversation with --conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			byConversation, _ := cmd.Flags().GetBool("conversation")
			return withApp(func(ctx context.Context, cmd *cobra.Command, app *cli.App) error {
				if !byConversation {
					if err := app.Memory.Forget(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Memory forgotten")
					return nil
				}

				owner, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid conversation id %q", args[0])
				}
				n, err := app.Memory.ForgetConversation(ctx, owner)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Forgot %d memories from conversation %d\n", n, owner)
				return nil
			})(cmd, args)
		},
	}
	forgetCmd.Flags().Bool("conversation", false, "treat the argument as a conversation id")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("refusing to clear memory without --yes")
			}
			return withApp(func(ctx context.Context, cmd *cobra.Command, app *cli.App) error {
				if err := app.Memory.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All memories cleared")
				return nil
			})(cmd, args)
		},
	}
	clearCmd.Flags().Bool("yes", false, "confirm deleting every memory")

	memoryCmd.AddCommand(statsCmd, searchCmd, listCmd, forgetCmd, clearCmd)
	return memoryCmd
}

// setup loads the configuration in dir and opens the file logger.
func setup(dir string) (*config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, closer, err := logger.New(logger.Config{
		Dir:     cfg.LogDir(),
		Level:   cfg.Log.Level,
		MaxDays: cfg.Log.MaxDays,
		Console: cfg.Log.Console,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, func() { closer.Close() }, nil
}

// logConfigInfo records the effective configuration without secrets.
func logConfigInfo(log *zap.Logger, cfg *config.Config) {
	log.Info("mnemo starting",
		zap.String("version", version),
		zap.String("config_dir", cfg.Dir),
		zap.Bool("api_key_configured", cfg.IsAPIKeyConfigured()),
		zap.String("model", cfg.Model.Model),
		zap.String("stream_transport", cfg.Stream.Transport),
		zap.String("stream_url", cfg.Stream.URL),
		zap.String("embedding_model", cfg.Embedding.Model),
		zap.Bool("memory_enabled", cfg.Memory.Enabled),
		zap.String("memory_db", cfg.Memory.DBPath),
		zap.String("history_db", cfg.History.DBPath),
	)
}
