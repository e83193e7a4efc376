package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidbz/aibridge/internal/domain"
)

// optionFlags are the provider options shared by the one-shot commands.
type optionFlags struct {
	model       string
	temperature float64
	maxTokens   int
	totalTokens int
	stop        []string
	group       string
	variant     int
	stream      bool
	asJSON      bool
}

func (f *optionFlags) bind(cmd *cobra.Command, generative bool) {
	flags := cmd.Flags()
	flags.StringVarP(&f.model, "model", "m", "", "model name (defaults per operation)")
	flags.StringVar(&f.group, "group", "", "cache group label")
	flags.BoolVar(&f.asJSON, "json", false, "print the full result as JSON")

	if !generative {
		return
	}
	flags.Float64VarP(&f.temperature, "temperature", "t", 0, "sampling temperature")
	flags.IntVar(&f.maxTokens, "max-tokens", 0, "completion token limit (derived from the total budget when unset)")
	flags.IntVar(&f.totalTokens, "total-tokens", 0, "total token budget shared by prompt and completion")
	flags.StringSliceVar(&f.stop, "stop", nil, "stop sequences")
	flags.IntVar(&f.variant, "variant", -1, "pin the cache variant bucket (-1 selects one from the temperature)")
	flags.BoolVarP(&f.stream, "stream", "s", false, "print tokens as they arrive")
}

func (f *optionFlags) options(cmd *cobra.Command) domain.Options {
	opts := domain.Options{
		Model:       f.model,
		TotalTokens: f.totalTokens,
		Stop:        f.stop,
		Stream:      f.stream,
	}
	if cmd.Flags().Changed("temperature") {
		opts.Temperature = &f.temperature
	}
	if f.maxTokens > 0 {
		opts.MaxTokens = &f.maxTokens
	}
	return opts
}

func (f *optionFlags) pinnedVariant() *int {
	if f.variant < 0 {
		return nil
	}
	return &f.variant
}

// listener prints streamed tokens, or nothing when the caller wants the final text only.
func (f *optionFlags) listener(out io.Writer) domain.TokenListener {
	if !f.stream || f.asJSON {
		return nil
	}
	return func(token string) error {
		_, err := fmt.Fprint(out, token)
		return err
	}
}

func (f *optionFlags) printCompletion(out io.Writer, result *domain.CompletionResult) error {
	switch {
	case f.asJSON:
		return printJSON(out, result)
	case f.stream:
		_, err := fmt.Fprintln(out)
		return err
	default:
		_, err := fmt.Fprintln(out, result.Completion)
		return err
	}
}

func newCompletionCmd(configPath *string) *cobra.Command {
	var flags optionFlags

	cmd := &cobra.Command{
		Use:   "completion <prompt...>",
		Short: "Run a legacy prompt completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &domain.CompletionRequest{
				Prompt:  strings.Join(args, " "),
				Options: flags.options(cmd),
				Group:   flags.group,
				Variant: flags.pinnedVariant(),
			}

			return runBridge(cmd.Context(), *configPath, func(ctx context.Context, bridge *domain.BridgeService) error {
				result, err := bridge.Complete(ctx, req, flags.listener(cmd.OutOrStdout()))
				if err != nil {
					return err
				}
				return flags.printCompletion(cmd.OutOrStdout(), result)
			})
		},
	}
	flags.bind(cmd, true)
	return cmd
}

func newChatCmd(configPath *string) *cobra.Command {
	var (
		flags  optionFlags
		system string
	)

	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Send a single user message to a chat model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var messages []domain.Message
			if system != "" {
				messages = append(messages, domain.Message{Role: "system", Content: system})
			}
			messages = append(messages, domain.Message{Role: "user", Content: strings.Join(args, " ")})

			req := &domain.ChatRequest{
				Messages: messages,
				Options:  flags.options(cmd),
				Group:    flags.group,
				Variant:  flags.pinnedVariant(),
			}

			return runBridge(cmd.Context(), *configPath, func(ctx context.Context, bridge *domain.BridgeService) error {
				result, err := bridge.Chat(ctx, req, flags.listener(cmd.OutOrStdout()))
				if err != nil {
					return err
				}
				return flags.printCompletion(cmd.OutOrStdout(), result)
			})
		},
	}
	flags.bind(cmd, true)
	cmd.Flags().StringVar(&system, "system", "", "optional system message sent before the user message")
	return cmd
}

func newEmbedCmd(configPath *string) *cobra.Command {
	var flags optionFlags

	cmd := &cobra.Command{
		Use:   "embed <text...>",
		Short: "Print the embedding vector of the given text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &domain.EmbeddingRequest{
				Input:   strings.Join(args, " "),
				Options: flags.options(cmd),
				Group:   flags.group,
			}

			return runBridge(cmd.Context(), *configPath, func(ctx context.Context, bridge *domain.BridgeService) error {
				result, err := bridge.Embed(ctx, req)
				if err != nil {
					return err
				}
				if flags.asJSON {
					return printJSON(cmd.OutOrStdout(), result)
				}
				return printJSON(cmd.OutOrStdout(), result.Embedding)
			})
		},
	}
	flags.bind(cmd, false)
	return cmd
}

// runBridge builds the container and runs fn against a ready bridge.
func runBridge(
	ctx context.Context,
	configPath string,
	fn func(ctx context.Context, bridge *domain.BridgeService) error,
) error {
	container, err := buildContainer(configPath)
	if err != nil {
		return err
	}

	return container.Invoke(func(cache *domain.LayeredCache, bridge *domain.BridgeService) error {
		return withCache(ctx, cache, func() error {
			return fn(ctx, bridge)
		})
	})
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
