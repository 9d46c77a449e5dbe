package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/habedi/convo/pkg/clierr"
	"github.com/habedi/convo/stream"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// chatCmd sends one message and streams the reply to stdout. Ctrl-C stops the reply cleanly.
func chatCmd() *cobra.Command {
	var conversationID string
	var resume bool

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resume && conversationID != "" {
				return clierr.New(clierr.Validation, "Use either --conversation or --resume, not both.", nil)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			st := a.session.CheckAuth(ctx)
			if !st.IsAuthenticated {
				return notLoggedIn(st.Err)
			}

			if resume {
				id, ok := a.session.LastConversation(ctx)
				if !ok {
					return clierr.New(clierr.Validation, "There is no conversation to resume.", nil)
				}
				conversationID = id
			}

			monCtx, stopMonitor := context.WithCancel(ctx)
			defer stopMonitor()
			go a.monitor.Run(monCtx)

			sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt)
			defer stopSignals()

			res, err := runTurn(ctx, sigCtx, a.chatClient(), stream.Request{
				Message:        strings.Join(args, " "),
				ConversationID: conversationID,
			}, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if res.ConversationID != "" {
				if err := a.session.RememberConversation(ctx, res.ConversationID); err != nil {
					log.Warn().Err(err).Msg("Failed to remember conversation")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "Continue the conversation with this id")
	cmd.Flags().BoolVarP(&resume, "resume", "r", false, "Continue the most recent conversation")

	return cmd
}

type turnResult struct {
	ConversationID string
	Stopped        bool
}

// runTurn streams one turn to out. Cancelling interrupt calls Stop on the client.
func runTurn(ctx, interrupt context.Context, sc *stream.Client, req stream.Request, out, errOut io.Writer) (turnResult, error) {
	spinner := startSpinner(errOut, "Connecting...")
	defer spinner.stop()

	var (
		res       turnResult
		turnErr   error
		completed bool
		printed   bool
	)
	h := stream.Handlers{
		OnStatus: func(s stream.ConnectionStatus) {
			switch s {
			case stream.StatusConnected:
				spinner.stop()
			case stream.StatusDisconnected:
				if printed && !completed {
					fmt.Fprintln(errOut, "\n[connection dropped, retrying]")
					printed = false
				}
			}
		},
		OnChunk: func(text string) {
			spinner.stop()
			printed = true
			fmt.Fprint(out, text)
		},
		OnComplete: func(c stream.Completion) {
			completed = true
			spinner.stop()
			if !printed {
				fmt.Fprint(out, c.Text)
			}
			fmt.Fprintln(out)
			res.ConversationID = c.ConversationID
		},
		OnError: func(err error) {
			spinner.stop()
			turnErr = err
		},
	}

	if err := sc.Start(ctx, req, h); err != nil {
		return res, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-interrupt.Done():
			sc.Stop()
		case <-done:
		}
	}()
	sc.Wait()
	close(done)

	if turnErr != nil {
		return res, turnErr
	}
	if !completed {
		res.Stopped = true
		res.ConversationID = sc.ConversationID()
		fmt.Fprintln(errOut, "\n[stopped]")
	}
	return res, nil
}

type spinner struct {
	bar  *progressbar.ProgressBar
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// startSpinner animates description on w while connecting. Nothing is drawn unless w is a terminal.
func startSpinner(w io.Writer, description string) *spinner {
	if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		return &spinner{}
	}
	s := &spinner{
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(description),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
		),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				_ = s.bar.Add(1)
			}
		}
	}()
	return s
}

func (s *spinner) stop() {
	if s.bar == nil {
		return
	}
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		_ = s.bar.Finish()
	})
}
