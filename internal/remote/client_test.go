package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	server *httptest.Server
	gets   atomic.Int32

	mu         sync.Mutex
	synthesize http.HandlerFunc
	audio      http.HandlerFunc
	lastHeader http.Header
	lastBody   string
}

func (a *fakeAPI) setSynthesize(h http.HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.synthesize = h
}

func (a *fakeAPI) setAudio(h http.HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audio = h
}

func (a *fakeAPI) last() (http.Header, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHeader, a.lastBody
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/tts", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		api.mu.Lock()
		api.lastHeader = r.Header.Clone()
		api.lastBody = string(body)
		handler := api.synthesize
		api.mu.Unlock()
		handler(w, r)
	})
	mux.HandleFunc("/audio/", func(w http.ResponseWriter, r *http.Request) {
		api.gets.Add(1)
		api.mu.Lock()
		handler := api.audio
		api.mu.Unlock()
		handler(w, r)
	})
	api.server = httptest.NewServer(mux)
	t.Cleanup(api.server.Close)

	url := api.server.URL
	api.setSynthesize(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"async":"%s/audio/1.mp3","error":0,"message":"ok","request_id":"r-1"}`, url)
	})
	api.setAudio(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ID3-fake-mp3-bytes"))
	})
	return api
}

func (a *fakeAPI) client(t *testing.T) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	return New(Options{
		Endpoint:     a.server.URL + "/tts",
		APIKey:       "secret",
		ScratchDir:   dir,
		ReadyDelay:   time.Millisecond,
		PollAttempts: 4,
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Second,
	}), dir
}

func scratchFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func requireFailure(t *testing.T, outcome Outcome, kind FailureKind) *Failure {
	t.Helper()
	f, ok := outcome.(*Failure)
	require.True(t, ok, "expected failure, got %#v", outcome)
	assert.Equal(t, kind, f.Kind)
	return f
}

func TestSynthesizeDownloadsAudio(t *testing.T) {
	api := newFakeAPI(t)
	client, dir := api.client(t)

	outcome := client.Synthesize(context.Background(), "Xin chào thế giới.", "leminh", 7)
	audio, ok := outcome.(Audio)
	require.True(t, ok, "expected audio, got %#v", outcome)

	assert.Equal(t, dir, filepath.Dir(audio.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(audio.Path), "remote_"))
	data, err := os.ReadFile(audio.Path)
	require.NoError(t, err)
	assert.Equal(t, "ID3-fake-mp3-bytes", string(data))

	header, body := api.last()
	assert.Equal(t, "secret", header.Get("api-key"))
	assert.Equal(t, "leminh", header.Get("voice"))
	assert.Equal(t, "3", header.Get("speed"))
	assert.Equal(t, "Xin chào thế giới.", body)
}

func TestSynthesizeDefaultsVoice(t *testing.T) {
	api := newFakeAPI(t)
	client, _ := api.client(t)

	outcome := client.Synthesize(context.Background(), "hello", "", -9)
	_, ok := outcome.(Audio)
	require.True(t, ok)
	header, _ := api.last()
	assert.Equal(t, DefaultVoice, header.Get("voice"))
	assert.Equal(t, "-3", header.Get("speed"))
}

func TestSynthesizeAPIFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"bad status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		},
		"error code": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"error":1,"message":"quota exceeded"}`))
		},
		"missing async": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"error":0,"message":"ok"}`))
		},
		"malformed json": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`<html>`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			api := newFakeAPI(t)
			api.setSynthesize(handler)
			client, dir := api.client(t)

			requireFailure(t, client.Synthesize(context.Background(), "text", "banmai", 0), KindAPI)
			assert.Zero(t, api.gets.Load())
			assert.Empty(t, scratchFiles(t, dir))
		})
	}
}

func TestSynthesizeErrorMessageInReason(t *testing.T) {
	api := newFakeAPI(t)
	api.setSynthesize(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"error":3,"message":"invalid voice"}`))
	})
	client, _ := api.client(t)

	f := requireFailure(t, client.Synthesize(context.Background(), "text", "banmai", 0), KindAPI)
	assert.Contains(t, f.Reason, "invalid voice")
	assert.Contains(t, f.Error(), "api")
}

func TestSynthesizeEmptyDownloadRemovesFile(t *testing.T) {
	api := newFakeAPI(t)
	api.setAudio(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	client, dir := api.client(t)

	requireFailure(t, client.Synthesize(context.Background(), "text", "banmai", 0), KindDownload)
	assert.Empty(t, scratchFiles(t, dir))
}

func TestSynthesizeDownloadErrorStatus(t *testing.T) {
	api := newFakeAPI(t)
	api.setAudio(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	client, _ := api.client(t)

	requireFailure(t, client.Synthesize(context.Background(), "text", "banmai", 0), KindDownload)
	assert.Equal(t, int32(1), api.gets.Load())
}

func TestSynthesizePollsUntilReady(t *testing.T) {
	api := newFakeAPI(t)
	api.setAudio(func(w http.ResponseWriter, r *http.Request) {
		if api.gets.Load() < 3 {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("audio"))
	})
	client, _ := api.client(t)

	outcome := client.Synthesize(context.Background(), "text", "banmai", 0)
	audio, ok := outcome.(Audio)
	require.True(t, ok, "expected audio, got %#v", outcome)
	assert.FileExists(t, audio.Path)
	assert.Equal(t, int32(3), api.gets.Load())
}

func TestSynthesizeGivesUpWhenNeverReady(t *testing.T) {
	api := newFakeAPI(t)
	api.setAudio(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	client, dir := api.client(t)

	requireFailure(t, client.Synthesize(context.Background(), "text", "banmai", 0), KindDownload)
	assert.Equal(t, int32(4), api.gets.Load())
	assert.Empty(t, scratchFiles(t, dir))
}

func TestSynthesizeCancelledDuringReadyDelay(t *testing.T) {
	api := newFakeAPI(t)
	dir := t.TempDir()
	client := New(Options{
		Endpoint:   api.server.URL + "/tts",
		APIKey:     "secret",
		ScratchDir: dir,
		ReadyDelay: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	requireFailure(t, client.Synthesize(ctx, "text", "banmai", 0), KindCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, api.gets.Load())
}

func TestSynthesizeNetworkFailure(t *testing.T) {
	api := newFakeAPI(t)
	client, _ := api.client(t)
	api.server.Close()

	requireFailure(t, client.Synthesize(context.Background(), "text", "banmai", 0), KindNetwork)
}

func TestValidateAPIKey(t *testing.T) {
	for status, want := range map[int]bool{
		http.StatusOK:           true,
		http.StatusUnauthorized: false,
		http.StatusForbidden:    false,
	} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			api := newFakeAPI(t)
			api.setSynthesize(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
				w.Write([]byte(`not even json`))
			})
			client, _ := api.client(t)

			assert.Equal(t, want, client.WithAPIKey("check-key").ValidateAPIKey(context.Background()))
			header, body := api.last()
			assert.Equal(t, "check-key", header.Get("api-key"))
			assert.Equal(t, DefaultVoice, header.Get("voice"))
			assert.Equal(t, keyCheckText, body)
			assert.Zero(t, api.gets.Load())
		})
	}
}

func TestClampSpeed(t *testing.T) {
	assert.Equal(t, -3, ClampSpeed(-10))
	assert.Equal(t, 0, ClampSpeed(0))
	assert.Equal(t, 3, ClampSpeed(4))
}

func TestFindVoice(t *testing.T) {
	v, ok := FindVoice("ngoclam")
	require.True(t, ok)
	assert.Equal(t, "central", v.Region)

	_, ok = FindVoice("unknown")
	assert.False(t, ok)
	assert.Len(t, Voices(), 9)
}
