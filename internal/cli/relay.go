package cli

import (
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/signaling"
)

func relayHandler(l *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", signaling.NewRelay(l))
	return mux
}

func getRelayCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "run websocket signaling relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _ := getLogger(v)
			defer l.Sync() // nolint: errcheck
			addr, err := cmd.Flags().GetString("addr")
			if err != nil {
				return err
			}
			l.Info("relay listening", zap.String("addr", addr))
			return http.ListenAndServe(addr, relayHandler(l))
		},
	}
	cmd.Flags().String("addr", "0.0.0.0:2255", "listen address")
	return cmd
}
