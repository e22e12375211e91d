package cli

import (
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"dfcgate/internal/api"
	"dfcgate/internal/config"
)

func newServeCmd(opts *cliOptions) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			for _, warning := range cfg.Warnings {
				slog.Warn(warning)
			}
			if !cmd.Flags().Changed("listen") {
				listenAddr = cfg.ListenAddr
			}

			e, s, err := openEngine(ctx, opts)
			if err != nil {
				return err
			}
			defer closeBoth(e, s)

			handler := api.NewRouter(e, s, api.Options{
				AllowedOrigins: cfg.CORSAllowedOrigins,
			})

			slog.Info("HTTP API listening", "addr", listenAddr, "policies", len(e.Policies()))
			return http.ListenAndServe(listenAddr, handler)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	return cmd
}
