package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/gemi/internal/api"
	"github.com/kalambet/gemi/internal/config"
	"github.com/kalambet/gemi/internal/ollama"
	"github.com/kalambet/gemi/internal/recovery"
)

// --- download ---

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the model bundle",
	Long: `Start downloading the model bundle, or join the download in progress,
and show progress until it finishes. Interrupted downloads resume where they
stopped.

Examples:
  gemi download
  gemi download --detach`,
	RunE: func(cmd *cobra.Command, args []string) error {
		detach, _ := cmd.Flags().GetBool("detach")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		resp, err := client.post(ctx, "/v1/download", nil)
		if err != nil {
			return err
		}
		var st api.DownloadState
		if err := decodeJSON(resp, &st); err != nil {
			return explain(err)
		}
		if detach {
			printSuccess("Download %s", strings.ReplaceAll(st.Phase, "_", " "))
			return nil
		}

		final, err := watchDownload(ctx, client)
		if err != nil {
			return err
		}
		if final.Phase == "failed" {
			return failedDownload(ctx, client, final)
		}
		printSuccess("Model downloaded (%s)", formatProgress(final))
		return nil
	},
}

// watchDownload prints progress until a terminal state arrives.
func watchDownload(ctx context.Context, client *apiClient) (api.DownloadState, error) {
	var last api.DownloadState
	lastPct := -1
	err := client.followDownload(ctx, func(st api.DownloadState) bool {
		last = st
		if st.Phase == "downloading" {
			if pct := int(st.Progress * 100); pct != lastPct {
				lastPct = pct
				fmt.Fprintf(os.Stderr, "\r  %s   ", formatProgress(st))
			}
		}
		return !st.Terminal()
	})
	if lastPct >= 0 {
		fmt.Fprintln(os.Stderr)
	}
	return last, err
}

// failedDownload reports a failed download with the server's remedies.
func failedDownload(ctx context.Context, client *apiClient, st api.DownloadState) error {
	printError("Download failed: %s", st.Error)
	if resp, err := client.get(ctx, "/v1/recovery"); err == nil {
		var rec api.RecoveryResponse
		if decodeJSON(resp, &rec) == nil {
			printRemedies(os.Stderr, rec.Options)
		}
	}
	return fmt.Errorf("download failed (%s)", st.Kind)
}

func init() {
	downloadCmd.Flags().Bool("detach", false, "start the download and return immediately")
}

// --- cancel / clear-cache ---

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop the download in progress, keeping what was fetched",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/download/cancel", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return explain(err)
		}
		printSuccess("Download stopped")
		return nil
	},
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Delete the downloaded model files",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the downloaded model. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/download")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return explain(err)
		}
		printSuccess("Model cache cleared")
		return nil
	},
}

func init() {
	clearCacheCmd.Flags().Bool("confirm", false, "confirm deletion")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <prompt>",
	Short: "Send a prompt to the local model and stream the reply",
	Long: `Send a prompt to the local model and stream the reply to stdout.

Examples:
  gemi chat "Summarize the plot of Hamlet in two sentences"
  gemi chat --image photo.jpg "What is in this picture?"
  gemi chat --system "Answer in French" --temperature 0 "Hello"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildChatRequest(cmd, args)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var wrote bool
		err = client.chat(cmd.Context(), req, func(c ollama.Chunk) {
			if s := c.Content(); s != "" {
				fmt.Fprint(os.Stdout, s)
				wrote = true
			}
		})
		if wrote {
			fmt.Fprintln(os.Stdout)
		}
		if err != nil {
			return explain(err)
		}
		return nil
	},
}

func buildChatRequest(cmd *cobra.Command, args []string) (api.ChatRequest, error) {
	system, _ := cmd.Flags().GetString("system")
	imagePaths, _ := cmd.Flags().GetStringArray("image")

	var images []string
	for _, p := range imagePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return api.ChatRequest{}, fmt.Errorf("reading image: %w", err)
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}

	var req api.ChatRequest
	if system != "" {
		req.Messages = append(req.Messages, ollama.Message{Role: ollama.RoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, ollama.Message{
		Role:    ollama.RoleUser,
		Content: strings.Join(args, " "),
		Images:  images,
	})

	if cmd.Flags().Changed("temperature") {
		t, _ := cmd.Flags().GetFloat64("temperature")
		req.Options.Temperature = ollama.Temperature(t)
	}
	req.Options.MaxTokens, _ = cmd.Flags().GetInt("max-tokens")
	return req, nil
}

func init() {
	chatCmd.Flags().String("system", "", "system prompt")
	chatCmd.Flags().StringArray("image", nil, "image file to attach (repeatable)")
	chatCmd.Flags().Float64("temperature", 0, "sampling temperature (default from config)")
	chatCmd.Flags().Int("max-tokens", 0, "maximum tokens to generate (default from config)")
}

// --- recover ---

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Show or run remedies for the last failure",
	Long: `Without flags, show the last failure and the remedies for it, best first.
With --run, perform one of them.

Examples:
  gemi recover
  gemi recover --run retry
  gemi recover --run add_credential --input hf_xxx`,
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("run")
		input, _ := cmd.Flags().GetString("input")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if action == "" {
			resp, err := client.get(ctx, "/v1/recovery")
			if err != nil {
				return err
			}
			var rec api.RecoveryResponse
			if err := decodeJSON(resp, &rec); err != nil {
				return err
			}
			if rec.Failure == nil {
				printSuccess("No failure on record")
			} else {
				printError("%s", rec.Failure.Message)
				if rec.Failure.Detail != "" {
					printStatus("Detail", "%s", rec.Failure.Detail)
				}
			}
			printRemedies(os.Stderr, rec.Options)
			return nil
		}

		printStep("Running %s...", action)
		resp, err := client.post(ctx, "/v1/recovery/"+action, api.RecoveryRequest{Input: input})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return explain(err)
		}
		printSuccess("%s done", action)
		return nil
	},
}

func init() {
	recoverCmd.Flags().String("run", "", "remedy to run, e.g. retry or add_credential")
	recoverCmd.Flags().String("input", "", "input for remedies that need one")
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the model host access token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <token>",
	Short: "Store a Hugging Face access token in the platform secret store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.NewCredentials(cfg, config.NewKeychain()).SetHFToken(args[0]); err != nil {
			return fmt.Errorf("storing token: %w", err)
		}
		printSuccess("Token stored")
		printStep("A running server picks it up on restart, or now with: gemi recover --run %s --input <token>", recovery.AddCredential)
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenSetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value (empty value restores the default)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w\nvalid keys: %s", err, strings.Join(config.ValidKeys(), ", "))
		}
		if value == "" {
			printSuccess("Reset %s to default", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// explain prints the user-facing message and remedies of an API failure
// and returns a short error for the exit status.
func explain(err error) error {
	var ae *apiError
	if !errors.As(err, &ae) || ae.Body.Kind == "" {
		return err
	}
	printError("%s", ae.Body.Message)
	printRemedies(os.Stderr, ae.Body.Recovery)
	return fmt.Errorf("%s failure", ae.Body.Kind)
}
