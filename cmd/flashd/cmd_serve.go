package main

import (
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openpod/flashd/pkg/api"
	"github.com/openpod/flashd/pkg/flashjob"
	"github.com/openpod/flashd/pkg/history"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the flashing daemon with its HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		manager := flashjob.NewManager(app.jobDeps())
		var store *history.Store
		if app.cfg.HistoryDB != "" {
			store, err = history.Open(app.cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()
			manager.History = store
		}
		manager.Start()
		defer manager.Close()

		server := &api.Server{
			Manager:       manager,
			Registry:      app.registry,
			Enumerator:    app.enum,
			History:       store,
			ProxyUpstream: app.cfg.ProxyUpstream,
		}

		slog.Info("Listening", "addr", app.cfg.Listen)
		return http.ListenAndServe(app.cfg.Listen, server.Router())
	},
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:8378", "Address to listen on")
	serveCmd.Flags().String("history-db", "", "Path to the job history database (empty disables history)")
	serveCmd.Flags().String("catalog-url", defaultCatalogURL, "Firmware release catalog URL")
	serveCmd.Flags().String("artifacts-url", "", "CI artifact service base URL (empty disables pr-build)")
	serveCmd.Flags().String("build-url", "", "Remote build service base URL (empty disables cloudbuild)")
	serveCmd.Flags().String("proxy-upstream", "", "Upstream firmware host served under /proxy/")
	serveCmd.Flags().String("proxy-prefix", "", "Prefix prepended to outgoing firmware archive URLs")
	serveCmd.Flags().Bool("disk-cache", true, "Cache resolved firmware binaries on disk")

	for _, name := range []string{"listen", "history-db", "catalog-url", "artifacts-url", "build-url", "proxy-upstream", "proxy-prefix", "disk-cache"} {
		viper.BindPFlag(name, serveCmd.Flags().Lookup(name))
	}
}
