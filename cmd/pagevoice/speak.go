package main

import (
	"errors"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/ent0n29/pagevoice/internal/settings"
	"github.com/ent0n29/pagevoice/internal/speech"
)

var (
	speakVoice string
	speakLocal bool
)

var speakCmd = &cobra.Command{
	Use:   "speak [text]",
	Short: "Read text aloud with the configured synthesizer",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := argsOrStdin(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		if text == "" {
			return errors.New("nothing to speak")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		rt, err := loadRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		prefs, err := rt.applyPreferences(ctx, localUserID)
		if err != nil {
			return err
		}
		voice := prefs.TTSVoice
		if speakVoice != "" {
			voice = settings.Settings{TTSVoice: speakVoice}.Normalize().TTSVoice
		}
		rt.speech.SetPreferences(speech.Preferences{Voice: voice, Local: speakLocal || prefs.UseLocalTTS})

		rt.speech.Speak(text)
		waitForSpeech(ctx, rt.speech)
		return nil
	},
}

func init() {
	speakCmd.Flags().StringVar(&speakVoice, "voice", "", "voice id (alloy, echo, fable, onyx, nova, shimmer)")
	speakCmd.Flags().BoolVar(&speakLocal, "local", false, "use the local synthesizer only")
}
