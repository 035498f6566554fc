// Command webchat-cli is a terminal chat surface. It gets tokens from the
// backend token endpoint and never sees the Direct Line secret.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/botline/internal/config"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	tokenEndpoint string
	baseURL       string
	variant       string
	verbose       bool
	cfg           *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "webchat-cli",
		Short:         "Chat with a Direct Line bot from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			opts.cfg = cfg
			if opts.tokenEndpoint == "" {
				opts.tokenEndpoint = cfg.DirectLine.TokenEndpoint
			}
			if opts.baseURL == "" {
				opts.baseURL = cfg.DirectLine.BaseURL
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.tokenEndpoint, "token-endpoint", "", "backend token endpoint (default $TOKEN_ENDPOINT)")
	root.PersistentFlags().StringVar(&opts.baseURL, "directline-url", "", "Direct Line base URL (default $DIRECTLINE_BASE_URL)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log transport activity")

	root.AddCommand(newChatCommand(opts), newTokenCommand(opts))
	return root
}
