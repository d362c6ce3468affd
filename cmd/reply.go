package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/travelroboto/trip-ingest/internal/model"
)

var (
	replyToken string
	replyText  string
)

var replyCmd = &cobra.Command{
	Use:   "reply",
	Short: "Answer a pending confirmation request",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "reply")
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Coordinator.HandleReply(cmd.Context(), model.UserReply{
			CorrelationToken: replyToken,
			ReplyText:        replyText,
			ReceivedAt:       time.Now().UTC(),
		})
		if err != nil {
			return eris.Wrap(err, "handle reply")
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	replyCmd.Flags().StringVar(&replyToken, "token", "", "correlation token of the request (required)")
	replyCmd.Flags().StringVar(&replyText, "text", "", "reply text (required)")
	_ = replyCmd.MarkFlagRequired("token")
	_ = replyCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(replyCmd)
}
