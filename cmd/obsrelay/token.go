package main

import (
	"fmt"

	"github.com/rastry/obsrelay/internal/config"
	"github.com/rastry/obsrelay/internal/tunnel"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Show or save the tunnel auth token",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the saved tunnel auth token",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := tokenManager()
			if err != nil {
				return err
			}
			token := m.AuthToken()
			if token == "" {
				return tunnel.ErrNoAuthToken
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <token>",
		Short: "Save the tunnel auth token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := tokenManager()
			if err != nil {
				return err
			}
			return m.SetAuthToken(args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget the saved tunnel auth token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.OpenDefaultStore()
			if err != nil {
				return err
			}
			return settings.Delete(config.KeyAuthToken)
		},
	})
	return cmd
}

// tokenManager needs no provider; it only touches the credential store.
func tokenManager() (*tunnel.Manager, error) {
	settings, err := config.OpenDefaultStore()
	if err != nil {
		return nil, err
	}
	return tunnel.NewManager(nil, settings), nil
}
