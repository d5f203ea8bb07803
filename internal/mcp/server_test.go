package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var msgs []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m), scanner.Text())
		msgs = append(msgs, m)
	}
	return msgs
}

func TestStdioServer_RoundTrip(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		``,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"abc","method":"tools/call","params":{"name":"generate_image","arguments":{"prompt":"x"}}}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	srv := NewStdioServer(strings.NewReader(input), &out, discardLogger)
	srv.Start(context.Background())

	var got []JSONRPCRequest
	for req := range srv.ReadChannel() {
		got = append(got, req)
		if !req.IsNotification() {
			assert.True(t, srv.Send(NewResultResponse(req.ID, map[string]any{"method": req.Method})))
		}
	}
	srv.Wait()
	require.NoError(t, srv.Close())

	require.Len(t, got, 3)
	assert.Equal(t, "ping", got[0].Method)
	assert.True(t, got[1].IsNotification())
	assert.Equal(t, "generate_image", got[2].Params.Name)
	assert.JSONEq(t, `{"prompt":"x"}`, string(got[2].Params.Arguments))

	msgs := decodeLines(t, out.String())
	require.Len(t, msgs, 2)
	assert.Equal(t, float64(1), msgs[0]["id"])
	assert.Equal(t, "2.0", msgs[0]["jsonrpc"])
	assert.Equal(t, "abc", msgs[1]["id"])
	assert.Equal(t, map[string]any{"method": "tools/call"}, msgs[1]["result"])
}

func TestStdioServer_ParseError(t *testing.T) {
	var out bytes.Buffer
	srv := NewStdioServer(strings.NewReader("{not json\n"), &out, discardLogger)
	srv.Start(context.Background())

	for range srv.ReadChannel() {
		t.Fatal("malformed input must not be dispatched")
	}
	require.NoError(t, srv.Close())

	msgs := decodeLines(t, out.String())
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0]["id"])
	errObj := msgs[0]["error"].(map[string]any)
	assert.Equal(t, float64(CodeParseError), errObj["code"])
}

func TestStdioServer_LargeLine(t *testing.T) {
	prompt := strings.Repeat("a", 2<<20)
	line := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"generate_image","arguments":{"prompt":"` + prompt + `"}}}` + "\n"

	srv := NewStdioServer(strings.NewReader(line), io.Discard, discardLogger)
	srv.Start(context.Background())

	var got []JSONRPCRequest
	for req := range srv.ReadChannel() {
		got = append(got, req)
	}
	require.NoError(t, srv.Close())
	require.Len(t, got, 1)
	assert.Equal(t, "7", string(got[0].ID))
}

func TestStdioServer_SendAfterClose(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	srv := NewStdioServer(pr, io.Discard, discardLogger)
	srv.Start(context.Background())
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	assert.False(t, srv.Send(NewResultResponse(json.RawMessage("1"), nil)))
}

func TestStdioServer_ContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewStdioServer(pr, io.Discard, discardLogger)
	srv.Start(ctx)

	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
	require.NoError(t, srv.Close())
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(json.RawMessage(`"id-1"`), CodeMethodNotFound, "method not found", map[string]string{"method": "x"})
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"id-1","error":{"code":-32601,"message":"method not found","data":{"method":"x"}}}`, string(data))
}
