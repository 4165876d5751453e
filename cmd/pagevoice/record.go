package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	recordDuration     time.Duration
	recordOut          string
	recordNoTranscribe bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the microphone and transcribe the result",
	Long: `Record until Enter is pressed or --duration elapses. The recording is
written to --out when set and transcribed unless --no-transcribe is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := loadRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		if !recordNoTranscribe && rt.transcriber == nil {
			return errors.New("transcription needs OPENAI_API_KEY; pass --no-transcribe to only record")
		}

		if err := rt.recorder.Start(ctx); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, statusStyle.Render(fmt.Sprintf("Recording with %s capture. Press Enter to stop.", rt.recorder.State().Strategy)))

		waitCtx, cancel := recordWindow(ctx, recordDuration)
		defer cancel()
		waitForStop(waitCtx, cmd.InOrStdin(), func() float64 { return rt.recorder.Level() }, out)
		fmt.Fprintln(out)

		payload, err := rt.recorder.Stop()
		if err != nil {
			return err
		}
		if recordOut != "" {
			if err := os.WriteFile(recordOut, payload.Data, 0o644); err != nil {
				return fmt.Errorf("write recording: %w", err)
			}
			printField(out, "saved", fmt.Sprintf("%s (%s, %d bytes)", recordOut, payload.MimeType, len(payload.Data)))
		}
		if recordNoTranscribe {
			return nil
		}
		text, err := rt.transcriber.Transcribe(ctx, payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, replyStyle.Render(text))
		return nil
	},
}

func init() {
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "stop automatically after this long")
	recordCmd.Flags().StringVar(&recordOut, "out", "", "write the recording to this file")
	recordCmd.Flags().BoolVar(&recordNoTranscribe, "no-transcribe", false, "skip transcription")
}

func recordWindow(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// waitForStop returns on a line from in or when ctx ends, redrawing the input
// level meter while it waits.
func waitForStop(ctx context.Context, in io.Reader, level func() float64, out io.Writer) {
	lineCh := make(chan struct{}, 1)
	go func() {
		_, _ = bufio.NewReader(in).ReadString('\n')
		lineCh <- struct{}{}
	}()
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-lineCh:
			return
		case <-ticker.C:
			fmt.Fprintf(out, "\r%s %s", labelStyle.Render("level"), levelMeter(level(), 30))
		}
	}
}

func levelMeter(level float64, width int) string {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	filled := int(level*float64(width) + 0.5)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(" ", width-filled) + "]"
}
