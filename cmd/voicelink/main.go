package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/voicelink/voicelink-sdk-go/pkg/voicelink"
)

var (
	verbose  bool
	apiKey   string
	model    string
	voice    string
	endpoint string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "voicelink",
		Short: "Voicelink SDK CLI",
		Long:  "A command-line interface for realtime voice chat with a hosted language-model API",
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for session negotiation")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model identifier")
	rootCmd.PersistentFlags().StringVar(&voice, "voice", "", "Assistant voice identity")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "Realtime endpoint URL")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(talkCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		voicelink.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

func buildConfig(mode voicelink.Mode) (*voicelink.Config, error) {
	config := voicelink.NewConfig()
	config.Mode = mode
	if apiKey != "" {
		config.APIKey = apiKey
	}
	if model != "" {
		config.Model = model
	}
	if voice != "" {
		config.Voice = voicelink.Voice(voice)
	}
	if endpoint != "" {
		config.RealtimeEndpoint = endpoint
	}
	if issues := config.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(issues, "; "))
	}
	return config, nil
}

// printStore echoes chat turns to stdout.
type printStore struct{}

func (printStore) AppendMessage(text string, isUser bool) {
	if isUser {
		fmt.Printf("you> %s\n", text)
	} else {
		fmt.Printf("assistant> %s\n", text)
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Text-to-voice chat",
		Long:  "Type messages; the assistant replies in voice and text",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := buildConfig(voicelink.ModeTextToVoice)
			if err != nil {
				return err
			}

			ctrl, err := voicelink.NewDefaultController(config, printStore{})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			ctx := cmd.Context()
			if err := ctrl.Connect(ctx); err != nil {
				return err
			}
			fmt.Println("Connected. Type a message, or /quit to exit.")

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" {
					break
				}
				if err := ctrl.SendTextMessage(line); err != nil {
					if errors.Is(err, voicelink.ErrNotConnected) {
						fmt.Println("Not connected; reconnecting...")
						if err := ctrl.Connect(ctx); err != nil {
							return err
						}
						continue
					}
					return err
				}
			}
			ctrl.Disconnect()
			return scanner.Err()
		},
	}
}

func talkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "talk",
		Short: "Voice-to-voice conversation",
		Long:  "Bidirectional voice chat using the default microphone and speakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := buildConfig(voicelink.ModeVoiceToVoice)
			if err != nil {
				return err
			}

			ctrl, err := voicelink.NewDefaultController(config, printStore{})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := ctrl.Connect(ctx); err != nil {
				return err
			}
			fmt.Println("Connected. Speak into the microphone; Ctrl-C to exit.")

			<-ctx.Done()
			ctrl.Disconnect()

			if verbose {
				stats := ctrl.Stats()
				fmt.Printf("chunks sent: %d, bytes: %d, dropped: %d\n",
					stats.ChunksSent, stats.BytesSent, stats.ChunksDropped)
			}
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Audio device commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := voicelink.ListAudioDevices()
			if err != nil {
				return err
			}
			for _, d := range devices {
				marker := " "
				if d.IsDefaultInput || d.IsDefaultOutput {
					marker = "*"
				}
				fmt.Printf("%s %3d  %-40s in:%d out:%d %.0fHz (%s)\n",
					marker, d.ID, d.Name, d.MaxInputChannels, d.MaxOutputChannels,
					d.DefaultSampleRate, d.HostAPI)
			}
			return nil
		},
	})

	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show and validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := voicelink.NewConfig()
			fmt.Printf("Session endpoint:  %s\n", config.SessionEndpoint)
			fmt.Printf("Realtime endpoint: %s\n", config.RealtimeEndpoint)
			fmt.Printf("Model:             %s\n", config.Model)
			fmt.Printf("Voice:             %s\n", config.Voice)
			fmt.Printf("Mode:              %s\n", config.Mode)
			if config.APIKey != "" {
				fmt.Println("API key:           set")
			} else {
				fmt.Println("API key:           NOT SET")
			}
			if issues := config.Validate(); len(issues) > 0 {
				fmt.Println("Issues:")
				for _, issue := range issues {
					fmt.Printf("  - %s\n", issue)
				}
			}
			return nil
		},
	}
}
