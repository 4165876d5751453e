package main

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/pagevoice/internal/audio"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file>",
	Short: "Transcribe an existing audio file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := loadPayload(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		rt, err := loadRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.transcriber == nil {
			return errors.New("transcription needs OPENAI_API_KEY")
		}
		text, err := rt.transcriber.Transcribe(ctx, payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

func loadPayload(path string) (audio.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return audio.Payload{}, fmt.Errorf("read audio: %w", err)
	}
	return audio.Payload{
		Data:     data,
		MimeType: mimeTypeFor(path),
		Filename: filepath.Base(path),
	}, nil
}

func mimeTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".webm":
		return "audio/webm"
	case ".wav":
		return "audio/wav"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
