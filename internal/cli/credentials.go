package cli

import (
	"crypto/rand"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/gortc/iced/internal/auth"
)

func printCredentials(r io.Reader, stdout io.Writer) error {
	c, err := auth.NewCredentials(r)
	if err != nil {
		return err
	}
	return json.NewEncoder(stdout).Encode(c)
}

func getCredentialsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "credentials",
		Short: "print random ICE credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printCredentials(rand.Reader, cmd.OutOrStdout())
		},
	}
}
