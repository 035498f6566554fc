package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	model "github.com/zhouzirui/botline/internal/model/directline"
	"github.com/zhouzirui/botline/internal/service/directline"
)

func newTokenCommand(opts *cliOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Fetch a token from the backend and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			source := directline.NewBackendTokenSource(opts.tokenEndpoint,
				&http.Client{Timeout: opts.cfg.DirectLine.HTTPTimeout})

			var user *model.ChannelAccount
			if userID != "" {
				user = &model.ChannelAccount{ID: userID}
			}

			resp, err := source.Token(cmd.Context(), user)
			if err != nil {
				return fmt.Errorf("token endpoint %s: %w", opts.tokenEndpoint, err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(model.IssuedToken{
				Token:          resp.Token,
				ConversationID: resp.ConversationID,
				ExpiresIn:      resp.ExpiresIn,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to bind the token to")
	return cmd
}
