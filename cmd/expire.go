package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire confirmation requests past the timeout",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "reply")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Coordinator.ExpireStale(cmd.Context(), time.Now().UTC())
		if err != nil {
			return err
		}
		zap.L().Info("expiry complete", zap.Int("expired", n))
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d confirmation request(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(expireCmd)
}
