package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/stretchr/testify/require"
)

func TestCallerToolsStayInsideRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	c, err := callerTools(root)
	require.NoError(t, err)

	list, err := c.Resolve("list_files")
	require.NoError(t, err)
	out, err := list.Definition.Function(context.Background(), json.RawMessage(`{"dir":"."}`))
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "sub/"}, out)

	_, err = list.Definition.Function(context.Background(), json.RawMessage(`{"dir":"../"}`))
	require.ErrorContains(t, err, "outside of")

	write, err := c.Resolve("write_file")
	require.NoError(t, err)
	require.True(t, write.Definition.RequiresApproval)
}

func TestReplay(t *testing.T) {
	meta := func(seq int64) events.EventMetadata {
		return events.EventMetadata{ThreadID: "t1", RunID: "r1", Seq: seq}
	}
	evs := []events.Event{
		events.NewRunStarted(meta(1)),
		events.NewTextStart(meta(2), "m1"),
		events.NewTextDelta(meta(3), "m1", "Hi there"),
		events.NewTextEnd(meta(4), "m1"),
		events.NewRunFinishedSuccess(meta(5)),
	}

	var buf bytes.Buffer
	require.NoError(t, replay(context.Background(), evs, &buf, true, false))
	require.Contains(t, buf.String(), "Hi there")
	require.Contains(t, buf.String(), "kind: idle")

	// out of order
	bad := []events.Event{evs[0], evs[2], evs[4]}
	require.Error(t, replay(context.Background(), bad, &buf, true, true))
}
