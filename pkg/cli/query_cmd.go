package cli

import (
	"database/sql"
	"os"

	"github.com/spf13/cobra"
)

func newQueryCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Execute a query through the policy rewriter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, s, err := openEngine(ctx, opts)
			if err != nil {
				return err
			}
			defer closeBoth(e, s)

			rows, err := e.Execute(ctx, args[0])
			if err != nil {
				return err
			}
			defer rows.Close()

			columns, data, err := collectRows(rows)
			if err != nil {
				return err
			}

			if opts.output == "json" {
				out := make([]map[string]any, len(data))
				for i, row := range data {
					m := make(map[string]any, len(columns))
					for j, col := range columns {
						m[col] = row[j]
					}
					out[i] = m
				}
				return printJSON(os.Stdout, out)
			}
			return printTable(os.Stdout, columns, data)
		},
	}
}

func collectRows(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var data [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		data = append(data, values)
	}
	return columns, data, rows.Err()
}
