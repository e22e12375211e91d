package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRewriteCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rewrite <sql>",
		Short: "Print the transformed SQL without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, s, err := openEngine(ctx, opts)
			if err != nil {
				return err
			}
			defer closeBoth(e, s)

			res, err := e.Transform(ctx, args[0])
			if err != nil {
				return err
			}

			if opts.output == "json" {
				return printJSON(os.Stdout, map[string]any{
					"sql":     res.SQL,
					"applied": res.Applied,
					"reason":  res.Reason,
				})
			}
			fmt.Fprintln(os.Stdout, res.SQL)
			return nil
		},
	}
}
