package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/pagevoice/internal/chat"
	"github.com/ent0n29/pagevoice/internal/conversation"
	"github.com/ent0n29/pagevoice/internal/session"
	"github.com/ent0n29/pagevoice/internal/speech"
)

const localUserID = "local"

var (
	askPageFile string
	askPageURL  string
	askTitle    string
	askNoSpeak  bool
	askUserID   string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question and stream the reply to the terminal",
	Long: `Ask one question. The reply streams to stdout and, when speech is enabled
in the settings, is read aloud as it arrives. With no arguments the question is
read from stdin. --page attaches a text file as the current page content.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		question, err := argsOrStdin(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		rt, err := loadRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		prefs, err := rt.applyPreferences(ctx, askUserID)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		if askNoSpeak {
			prefs.TTSEnabled = false
		}

		conv := conversation.New()
		page, err := readPage(askPageFile, askPageURL, askTitle)
		if err != nil {
			return err
		}
		if !page.Empty() {
			conv.Notice(session.PageLoadedNotice)
		}

		surface := newTerminalSurface(cmd.OutOrStdout(), cmd.ErrOrStderr())
		res, err := rt.chat.SendTurn(ctx, chat.Turn{
			Conversation: conv,
			Text:         question,
			Settings:     prefs,
			Page:         page,
		}, surface)
		if err != nil {
			return errors.New(chat.StatusMessage(err))
		}
		if res.Status == chat.StatusIgnored {
			return errors.New("question is empty")
		}
		if prefs.TTSEnabled {
			waitForSpeech(ctx, rt.speech)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askPageFile, "page", "", "text file with the current page content")
	askCmd.Flags().StringVar(&askPageURL, "url", "", "URL of the page")
	askCmd.Flags().StringVar(&askTitle, "title", "", "title of the page")
	askCmd.Flags().BoolVar(&askNoSpeak, "no-speak", false, "do not read the reply aloud")
	askCmd.Flags().StringVar(&askUserID, "user", localUserID, "settings user id")
}

func argsOrStdin(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	raw, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func readPage(path, url, title string) (conversation.PageContext, error) {
	if strings.TrimSpace(path) == "" {
		return conversation.PageContext{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return conversation.PageContext{}, fmt.Errorf("read page: %w", err)
	}
	return conversation.PageContext{Text: strings.TrimSpace(string(raw)), URL: url, Title: title}, nil
}

type speechState interface {
	State() speech.State
	Stop()
}

// waitForSpeech blocks until playback goes idle. Cancelling ctx stops it.
func waitForSpeech(ctx context.Context, s speechState) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.State().Status == speech.StatusIdle {
			return
		}
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-ticker.C:
		}
	}
}
