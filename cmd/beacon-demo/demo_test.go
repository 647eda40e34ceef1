package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/Tap30/beacon-go"
	"github.com/Tap30/beacon-go/adapters"
)

func newTestClient(t *testing.T, sink *adapters.MemorySink) *beacon.Client {
	t.Helper()
	client, err := beacon.NewClient(beacon.Config{
		Sink:    sink,
		Storage: adapters.NewMemoryKeyValueStore(),
	}, beacon.WithLogger(slogtest.Make(t, nil)))
	require.NoError(t, err)
	require.NoError(t, client.Init(context.Background()))
	t.Cleanup(client.Dispose)
	return client
}

func TestDemo_Session(t *testing.T) {
	t.Parallel()

	sink := adapters.NewMemorySink()
	client := newTestClient(t, sink)

	input := strings.Join([]string{
		"1", "/home",
		"2", "buy_button",
		"4",
		"5",
		"6", "alice",
		"11",
		"12",
		"99",
		"13",
	}, "\n")
	var out bytes.Buffer
	require.NoError(t, newDemo(client, strings.NewReader(input), &out).run(context.Background()))

	output := out.String()
	assert.Contains(t, output, "✅ Tracked visit: /home")
	assert.Contains(t, output, "✅ Tracked click on: buy_button")
	assert.Contains(t, output, "key_1: value_1")
	assert.Contains(t, output, "✅ User name set: alice")
	assert.Contains(t, output, "1st buy_button (1)")
	assert.Contains(t, output, "❌ Invalid option")
	assert.Contains(t, output, "👋 Goodbye!")

	visits := sink.Rows("visits")
	require.Len(t, visits, 1)
	assert.Equal(t, "/home", visits[0]["page"])
	assert.Len(t, sink.Rows("interactions"), 1)
	assert.Len(t, sink.Rows("users"), 1)
}

func TestDemo_EndOfInput(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, adapters.NewMemorySink())
	var out bytes.Buffer
	require.NoError(t, newDemo(client, strings.NewReader("3\n"), &out).run(context.Background()))
	assert.Contains(t, out.String(), "Tracked 10 visits")
}

func TestDemo_ContextDone(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, adapters.NewMemorySink())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader, writer := io.Pipe()
	defer writer.Close()
	require.NoError(t, newDemo(client, reader, &bytes.Buffer{}).run(ctx))
}
