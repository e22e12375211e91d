// Package cli implements the dfcgate command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"dfcgate/engine"
	"dfcgate/internal/config"
	"dfcgate/internal/store"
	"dfcgate/policy"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = printJSON(os.Stdout, map[string]any{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// cliOptions carries the resolved settings every subcommand shares.
type cliOptions struct {
	dbPath     string
	storePath  string
	policyFile string
	twoPhase   bool
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:           "dfcgate",
		Short:         "Data flow control gateway for DuckDB",
		Long:          "Rewrites SQL queries so registered data flow control policies are enforced before execution.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = config.LoadDotEnv(".env")
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}

			// Precedence: flag > env > default.
			if !cmd.Flags().Changed("db") {
				opts.dbPath = cfg.DBPath
			}
			if !cmd.Flags().Changed("store") {
				opts.storePath = cfg.StorePath
			}
			if !cmd.Flags().Changed("policy-file") {
				opts.policyFile = cfg.PolicyFile
			}
			if !cmd.Flags().Changed("two-phase") {
				opts.twoPhase = cfg.TwoPhase
			}

			if opts.output != "" && opts.output != "table" && opts.output != "json" {
				return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", opts.output)
			}

			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
				&slog.HandlerOptions{Level: cfg.SlogLevel()})))
			return nil
		},
	}

	// Accept snake_case spellings of the multi-word flags.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "DuckDB database file (default: in-memory)")
	rootCmd.PersistentFlags().StringVar(&opts.storePath, "store", "", "SQLite policy store file")
	rootCmd.PersistentFlags().StringVar(&opts.policyFile, "policy-file", "", "YAML file with policy strings")
	rootCmd.PersistentFlags().BoolVar(&opts.twoPhase, "two-phase", false, "Evaluate aggregation constraints in a separate phase")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format (table, json)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newQueryCmd(opts))
	rootCmd.AddCommand(newRewriteCmd(opts))
	rootCmd.AddCommand(newPolicyCmd(opts))
	rootCmd.AddCommand(newVersionCmd(opts))

	return rootCmd
}

// openEngine builds an engine from the resolved options and registers
// every persisted and file-declared policy on it.
func openEngine(ctx context.Context, opts *cliOptions) (*engine.Engine, *store.Store, error) {
	var engineOpts []engine.Option
	if opts.twoPhase {
		engineOpts = append(engineOpts, engine.WithTwoPhase(true))
	}
	e, err := engine.New(ctx, opts.dbPath, engineOpts...)
	if err != nil {
		return nil, nil, err
	}

	s, err := store.Open(opts.storePath)
	if err != nil {
		_ = e.Close()
		return nil, nil, err
	}

	stored, err := s.List(ctx)
	if err != nil {
		closeBoth(e, s)
		return nil, nil, err
	}
	for _, p := range stored {
		if err := e.RegisterPolicy(ctx, p); err != nil {
			closeBoth(e, s)
			return nil, nil, fmt.Errorf("stored policy %s: %w", p.Identifier(), err)
		}
	}

	if opts.policyFile != "" {
		declared, err := policy.LoadFile(opts.policyFile)
		if err != nil {
			closeBoth(e, s)
			return nil, nil, err
		}
		for _, p := range declared {
			if err := e.RegisterPolicy(ctx, p); err != nil {
				closeBoth(e, s)
				return nil, nil, fmt.Errorf("policy file %s: %w", opts.policyFile, err)
			}
		}
	}

	return e, s, nil
}

// openStore opens just the policy store, for commands that do not
// touch the database.
func openStore(opts *cliOptions) (*store.Store, error) {
	return store.Open(opts.storePath)
}

func closeBoth(e *engine.Engine, s *store.Store) {
	_ = e.Close()
	_ = s.Close()
}
