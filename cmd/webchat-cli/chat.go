package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	model "github.com/zhouzirui/botline/internal/model/directline"
	"github.com/zhouzirui/botline/internal/model/surface"
	"github.com/zhouzirui/botline/internal/pkg/logger"
	chatService "github.com/zhouzirui/botline/internal/service/chat"
	"github.com/zhouzirui/botline/internal/service/directline"
)

func newChatCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive conversation (/reset starts over, /quit exits)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.variant, "variant", surface.DefaultVariantID, "surface variant")
	return cmd
}

func runChat(parent context.Context, opts *cliOptions, in io.Reader, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	variant, ok := surface.NewMemoryStore(surface.Seed()).Resolve(opts.variant)
	if !ok {
		return fmt.Errorf("unknown variant %q", opts.variant)
	}

	log := zap.NewNop()
	if opts.verbose {
		log = logger.New(logger.Options{Level: "debug"})
	}

	httpClient := &http.Client{Timeout: opts.cfg.DirectLine.HTTPTimeout}
	conv := chatService.NewConversation(
		directline.NewClient(opts.baseURL, httpClient, log),
		directline.NewBackendTokenSource(opts.tokenEndpoint, httpClient),
		chatService.Options{
			User: model.ChannelAccount{
				ID:   variant.UserIDPrefix + "-" + uuid.NewString(),
				Name: variant.UserName,
			},
			PollInterval:  opts.cfg.Chat.PollInterval,
			RefreshBefore: opts.cfg.DirectLine.TokenRefreshBefore,
			ConnectNotice: variant.ConnectNotice,
			Logger:        log,
		},
	)
	defer conv.Close()

	r := newRenderer(out, variant)
	r.header()

	group, ctx := errgroup.WithContext(ctx)
	events := conv.Log().Subscribe(ctx)
	group.Go(func() error {
		for event := range events {
			r.event(event)
		}
		return nil
	})

	if _, err := conv.Connect(ctx); err != nil {
		r.hint("type /reset to retry")
	}

	lines := readLines(ctx, in)
	group.Go(func() error {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, open := <-lines:
				if !open {
					return nil
				}
				if quit := handleInput(ctx, conv, line); quit {
					return nil
				}
			}
		}
	})

	return group.Wait()
}

// handleInput runs one line of user input and reports whether to quit.
func handleInput(ctx context.Context, conv *chatService.Conversation, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/reset":
		conv.Reset()
		_, _ = conv.Connect(ctx)
		return false
	}
	// Failures are rendered from the log.
	_, _ = conv.Send(ctx, line)
	return false
}

// readLines stops once ctx is done. A read already blocked on in still waits
// for the next line or EOF.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
