package echo_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/provider/echo"
)

func TestNewProvider(t *testing.T) {
	provider := echo.NewProvider()

	require.NotNil(t, provider)
	require.Equal(t, "echo", provider.Name())
	require.ElementsMatch(t, []string{"echo4", "echo-embedding"}, provider.SupportedModels(context.Background()))
}

func TestComplete_Success(t *testing.T) {
	provider := echo.NewProvider()

	var tokens []string
	text, err := provider.Complete(context.Background(), "Hello world", domain.Options{Model: "echo4"},
		func(token string) error {
			tokens = append(tokens, token)
			return nil
		})

	require.NoError(t, err)
	require.Equal(t, "Hello world", text)
	require.Equal(t, []string{"Hello world"}, tokens)
}

func TestComplete_UnsupportedModel(t *testing.T) {
	provider := echo.NewProvider()

	_, err := provider.Complete(context.Background(), "Hello", domain.Options{Model: "gpt-4"}, nil)

	require.Error(t, err)
	require.Contains(t, err.Error(), "not supported by echo provider")
}

func TestChat_Success(t *testing.T) {
	provider := echo.NewProvider()
	messages := []domain.Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hello world"},
	}

	text, err := provider.Chat(context.Background(), messages, domain.Options{Model: "echo4"}, nil)

	require.NoError(t, err)
	require.Equal(t, "[system]: Be brief.\n[user]: Hello world", text)
}

func TestChat_Streaming(t *testing.T) {
	provider := echo.NewProvider()
	messages := []domain.Message{{Role: "user", Content: "Hello streaming world"}}

	var tokens []string
	text, err := provider.Chat(context.Background(), messages, domain.Options{Model: "echo4", Stream: true},
		func(token string) error {
			tokens = append(tokens, token)
			return nil
		})

	require.NoError(t, err)
	require.Equal(t, []string{"[user]: ", "Hello ", "streaming ", "world"}, tokens)
	require.Equal(t, strings.Join(tokens, ""), text)
}

func TestChat_StreamingCancelled(t *testing.T) {
	provider := echo.NewProvider()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	words := strings.Repeat("word ", 50)
	_, err := provider.Chat(ctx, []domain.Message{{Role: "user", Content: words}},
		domain.Options{Model: "echo4", Stream: true},
		func(string) error { return nil })

	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmbed(t *testing.T) {
	provider := echo.NewProvider()
	ctx := context.Background()

	first, err := provider.Embed(ctx, "hello", domain.Options{Model: "echo-embedding"})
	require.NoError(t, err)
	require.Len(t, first, 8)
	for _, v := range first {
		require.GreaterOrEqual(t, v, -1.0)
		require.LessOrEqual(t, v, 1.0)
	}

	second, err := provider.Embed(ctx, "hello", domain.Options{Model: "echo-embedding"})
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := provider.Embed(ctx, "goodbye", domain.Options{Model: "echo-embedding"})
	require.NoError(t, err)
	require.NotEqual(t, first, other)

	_, err = provider.Embed(ctx, "hello", domain.Options{Model: "echo4"})
	require.Error(t, err)
}

func TestIsModelSupported(t *testing.T) {
	provider := echo.NewProvider()
	ctx := context.Background()

	require.True(t, provider.IsModelSupported(ctx, "echo4"))
	require.True(t, provider.IsModelSupported(ctx, "echo-embedding"))
	require.False(t, provider.IsModelSupported(ctx, "gpt-4"))
}
