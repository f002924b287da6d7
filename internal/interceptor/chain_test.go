package interceptor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	body  string
	trail []string
}

func record(name string) Interceptor[*message] {
	return Func[*message](func(ctx context.Context, m *message, next Handler[*message]) error {
		m.trail = append(m.trail, name)
		return next.Handle(ctx, m)
	})
}

func TestChainOrder(t *testing.T) {
	var delivered *message
	terminal := HandlerFunc[*message](func(ctx context.Context, m *message) error {
		m.trail = append(m.trail, "terminal")
		delivered = m
		return nil
	})

	chain := NewChain[*message](terminal, record("first"), record("second"))
	require.NoError(t, chain.Handle(context.Background(), &message{}))
	assert.Equal(t, []string{"first", "second", "terminal"}, delivered.trail)
	assert.Equal(t, 2, chain.Len())
}

func TestChainTransform(t *testing.T) {
	var body string
	terminal := HandlerFunc[*message](func(ctx context.Context, m *message) error {
		body = m.body
		return nil
	})
	upper := Func[*message](func(ctx context.Context, m *message, next Handler[*message]) error {
		return next.Handle(ctx, &message{body: strings.ToUpper(m.body)})
	})

	require.NoError(t, NewChain[*message](terminal, upper).Handle(context.Background(), &message{body: "hi"}))
	assert.Equal(t, "HI", body)
}

func TestChainReject(t *testing.T) {
	reached := false
	terminal := HandlerFunc[*message](func(ctx context.Context, m *message) error {
		reached = true
		return nil
	})
	rejected := errors.New("rejected")
	reject := Func[*message](func(ctx context.Context, m *message, next Handler[*message]) error {
		return rejected
	})

	t.Run("error aborts the chain", func(t *testing.T) {
		err := NewChain[*message](terminal, reject, record("after")).Handle(context.Background(), &message{})
		assert.ErrorIs(t, err, rejected)
		assert.False(t, reached)
	})

	t.Run("short circuit without error", func(t *testing.T) {
		swallow := Func[*message](func(ctx context.Context, m *message, next Handler[*message]) error { return nil })
		require.NoError(t, NewChain[*message](terminal, swallow).Handle(context.Background(), &message{}))
		assert.False(t, reached)
	})

	t.Run("panic becomes error", func(t *testing.T) {
		boom := Func[*message](func(ctx context.Context, m *message, next Handler[*message]) error { panic("boom") })
		err := NewChain[*message](terminal, boom).Handle(context.Background(), &message{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("terminal error propagates", func(t *testing.T) {
		failing := HandlerFunc[*message](func(ctx context.Context, m *message) error { return rejected })
		err := NewChain[*message](failing, record("a")).Handle(context.Background(), &message{})
		assert.ErrorIs(t, err, rejected)
	})
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)
	terminal := HandlerFunc[*message](func(ctx context.Context, m *message) error { return nil })

	chain := NewChain[*message](terminal, Logging[*message](log, func(m *message) string { return m.body }))
	require.NoError(t, chain.Handle(context.Background(), &message{body: "person/5"}))
	assert.Contains(t, buf.String(), `"item":"person/5"`)
}
