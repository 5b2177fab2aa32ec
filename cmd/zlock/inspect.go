package main

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-zlock/v1/inspect"
	"github.com/mirkobrombin/go-zlock/v1/store"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "serve lock queue snapshots over HTTP, SSE and WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBackend(loadConfig(), slog.Default())
		if err != nil {
			return err
		}
		defer b.Close()
		s, err := b.connect(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		addr := viper.GetString("listen")
		slog.Info("zlock: serving inspection", "addr", addr)
		return http.ListenAndServe(addr, newMux(s, newRegistry()))
	},
}

func init() {
	inspectCmd.Flags().String("listen", ":2112", "address to listen on")
}

// newMux exposes the inspection endpoints and the lock metrics.
func newMux(s store.Store, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/queue", inspect.QueueHandler(s))
	mux.Handle("/events", inspect.SSEHandler(s))
	mux.Handle("/ws", inspect.WebSocketHandler(s))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
