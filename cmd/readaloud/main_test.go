package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/readaloud/internal/protocol"
)

type fakeDaemon struct {
	mu   sync.Mutex
	read []protocol.ReadRequest
	stop []protocol.StopRequest
}

func startFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	srv := test.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)
	t.Setenv("READALOUD_BUS_SERVERS", srv.ClientURL())

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	d := &fakeDaemon{}
	respond := func(msg *nats.Msg, v any) {
		data, _ := json.Marshal(v)
		_ = msg.Respond(data)
	}
	_, err = nc.Subscribe(protocol.SubjectRead, func(msg *nats.Msg) {
		var req protocol.ReadRequest
		_ = json.Unmarshal(msg.Data, &req)
		d.mu.Lock()
		d.read = append(d.read, req)
		d.mu.Unlock()
		if strings.TrimSpace(req.Text) == "" {
			respond(msg, protocol.ReadReply{Error: "invalid read request: text is blank"})
			return
		}
		respond(msg, protocol.ReadReply{SessionID: "sess-1"})
	})
	require.NoError(t, err)
	_, err = nc.Subscribe(protocol.SubjectStop, func(msg *nats.Msg) {
		var req protocol.StopRequest
		_ = json.Unmarshal(msg.Data, &req)
		d.mu.Lock()
		d.stop = append(d.stop, req)
		d.mu.Unlock()
		respond(msg, protocol.StopReply{Stopped: true, SessionID: "sess-1"})
	})
	require.NoError(t, err)
	_, err = nc.Subscribe(protocol.SubjectHistory, func(msg *nats.Msg) {
		var req protocol.HistoryRequest
		_ = json.Unmarshal(msg.Data, &req)
		started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
		if req.SessionID == "" {
			respond(msg, protocol.HistoryReply{Sessions: []protocol.SessionSummary{
				{SessionID: "sess-1", State: "completed", Backend: "device", Chunks: 2, ChunksPlayed: 2, FellBack: true, StartedAt: started},
			}})
			return
		}
		respond(msg, protocol.HistoryReply{Events: []protocol.SessionEvent{
			{Type: "session.started", CreatedAt: started},
			{Type: "backend.fallback", Chunk: 1, Detail: "remote api failure", CreatedAt: started},
		}})
	})
	require.NoError(t, err)
	_, err = nc.Subscribe(protocol.SubjectStatusGet, func(msg *nats.Msg) {
		respond(msg, protocol.Status{SessionID: "sess-1", State: "completed", Backend: "remote", TotalChunks: 2, ChunksPlayed: 2, FellBack: true})
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	return d
}

func (d *fakeDaemon) reads() []protocol.ReadRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.ReadRequest(nil), d.read...)
}

func runCLI(args []string, stdin string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestReadSendsArgumentsAndFlags(t *testing.T) {
	d := startFakeDaemon(t)

	code, out, errOut := runCLI([]string{"read", "-voice-type", "remote", "-remote-voice", "leminh", "-speed", "-2", "hello", "world"}, "")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "sess-1\n", out)

	reads := d.reads()
	require.Len(t, reads, 1)
	assert.Equal(t, "hello world", reads[0].Text)
	assert.Equal(t, "remote", reads[0].VoiceType)
	assert.Equal(t, "leminh", reads[0].RemoteVoice)
	require.NotNil(t, reads[0].Speed)
	assert.Equal(t, -2, *reads[0].Speed)
	assert.False(t, reads[0].StripMarkdown)
}

func TestReadStripMarkdownFlag(t *testing.T) {
	d := startFakeDaemon(t)

	code, _, errOut := runCLI([]string{"read", "-strip-markdown", "**pasted** notes"}, "")
	require.Equal(t, 0, code, errOut)

	reads := d.reads()
	require.Len(t, reads, 1)
	assert.True(t, reads[0].StripMarkdown)
	assert.Equal(t, "**pasted** notes", reads[0].Text)
}

func TestHistory(t *testing.T) {
	startFakeDaemon(t)

	code, out, errOut := runCLI([]string{"history", "-limit", "1"}, "")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "2/2")

	code, out, errOut = runCLI([]string{"history", "-session", "sess-1"}, "")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "session.started")
	assert.Contains(t, out, "backend.fallback")
	assert.Contains(t, out, "remote api failure")
}

func TestReadFromStdinAndWait(t *testing.T) {
	d := startFakeDaemon(t)

	code, out, errOut := runCLI([]string{"read", "-wait", "-"}, "from stdin\n")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "sess-1 completed backend=remote chunks=2/2 fell_back=true")

	reads := d.reads()
	require.Len(t, reads, 1)
	assert.Equal(t, "from stdin\n", reads[0].Text)
	assert.Nil(t, reads[0].Speed)
}

func TestReadReportsDaemonError(t *testing.T) {
	startFakeDaemon(t)

	code, _, errOut := runCLI([]string{"read", "  "}, "")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "text is blank")
}

func TestStopAndStatus(t *testing.T) {
	d := startFakeDaemon(t)

	code, out, _ := runCLI([]string{"stop", "-session", "sess-1"}, "")
	require.Equal(t, 0, code)
	assert.Equal(t, "stopped sess-1\n", out)
	d.mu.Lock()
	assert.Equal(t, "sess-1", d.stop[0].SessionID)
	d.mu.Unlock()

	code, out, _ = runCLI([]string{"status"}, "")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "sess-1 completed")
}

func TestVoicesAndVersion(t *testing.T) {
	code, out, _ := runCLI([]string{"voices"}, "")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "banmai")
	assert.Contains(t, out, "ngoclam")

	code, out, _ = runCLI([]string{"version"}, "")
	require.Equal(t, 0, code)
	assert.Equal(t, version+"\n", out)

	code, _, errOut := runCLI([]string{"dance"}, "")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown command")

	code, _, _ = runCLI(nil, "")
	assert.Equal(t, 2, code)
}

func TestValidateKey(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"async":"","error":0,"message":"ok"}`))
	}))
	defer api.Close()
	t.Setenv("READALOUD_REMOTE_ENDPOINT", api.URL)

	code, out, errOut := runCLI([]string{"validate-key", "-api-key", "good"}, "")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "api key valid\n", out)

	code, _, errOut = runCLI([]string{"validate-key", "-api-key", "bad"}, "")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "rejected")

	code, _, errOut = runCLI([]string{"validate-key"}, "")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no api key")
}
