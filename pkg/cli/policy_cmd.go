package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dfcgate/policy"
)

func newPolicyCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage registered policies",
	}
	cmd.AddCommand(newPolicyAddCmd(opts))
	cmd.AddCommand(newPolicyListCmd(opts))
	cmd.AddCommand(newPolicyRmCmd(opts))
	return cmd
}

func newPolicyAddCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <policy>",
		Short: "Validate a policy string and persist it",
		Long: "Validates a single-line policy " +
			"(SOURCES <tables> [SINK <table>] CONSTRAINT <expr> ON FAIL <REMOVE|KILL|INVALIDATE>) " +
			"against the database catalog and saves it to the policy store.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, s, err := openEngine(ctx, opts)
			if err != nil {
				return err
			}
			defer closeBoth(e, s)

			p, err := e.RegisterPolicyString(ctx, args[0])
			if err != nil {
				return err
			}
			if _, err := s.Save(ctx, p); err != nil {
				return err
			}

			if opts.output == "json" {
				return printJSON(os.Stdout, policyJSON(p))
			}
			fmt.Fprintf(os.Stdout, "Added %s\n", p.Identifier())
			return nil
		},
	}
}

func newPolicyListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, s, err := openEngine(ctx, opts)
			if err != nil {
				return err
			}
			defer closeBoth(e, s)

			policies := e.Policies()
			if opts.output == "json" {
				out := make([]map[string]any, len(policies))
				for i, p := range policies {
					out[i] = policyJSON(p)
				}
				return printJSON(os.Stdout, out)
			}
			for _, p := range policies {
				fmt.Fprintln(os.Stdout, p.Identifier())
			}
			return nil
		},
	}
}

func newPolicyRmCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <policy>",
		Short: "Remove a policy from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := policy.FromPolicyString(args[0])
			if err != nil {
				return err
			}

			s, err := openStore(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			deleted, err := s.Delete(ctx, p)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("no stored policy matches %s", p.Identifier())
			}
			fmt.Fprintf(os.Stdout, "Removed %s\n", p.Identifier())
			return nil
		},
	}
}

func policyJSON(p *policy.DFCPolicy) map[string]any {
	out := map[string]any{
		"sources":    p.Sources,
		"constraint": p.Constraint,
		"on_fail":    string(p.OnFail),
	}
	if p.Sink != "" {
		out["sink"] = p.Sink
	}
	if p.SinkAlias != "" {
		out["sink_alias"] = p.SinkAlias
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if p.Aggregate {
		out["aggregate"] = true
	}
	return out
}
