package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/readaloud/internal/config"
	"github.com/loqalabs/readaloud/internal/player"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nextEvent(t *testing.T, s Speaker) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for device event")
		return Event{}
	}
}

func TestMockSpeakerFIFO(t *testing.T) {
	s := NewMockSpeaker(time.Millisecond, testLogger())
	defer s.Close()

	require.NoError(t, s.Speak("one", "", "s/chunk_0"))
	require.NoError(t, s.Speak("two", "", "s/chunk_1"))

	want := []Event{
		{UtteranceID: "s/chunk_0", Outcome: OutcomeStarted},
		{UtteranceID: "s/chunk_0", Outcome: OutcomeDone},
		{UtteranceID: "s/chunk_1", Outcome: OutcomeStarted},
		{UtteranceID: "s/chunk_1", Outcome: OutcomeDone},
	}
	for _, w := range want {
		assert.Equal(t, w, nextEvent(t, s))
	}
	spoken := s.Spoken()
	require.Len(t, spoken, 2)
	assert.Equal(t, "one", spoken[0].Text)
	assert.Equal(t, "two", spoken[1].Text)
}

func TestEventsWaitForSlowReader(t *testing.T) {
	s := NewMockSpeaker(0, testLogger())
	defer s.Close()

	const n = eventBuffer + 44
	for i := 0; i < n; i++ {
		require.NoError(t, s.Speak("word", "", fmt.Sprintf("s/chunk_%d", i)))
	}
	require.Eventually(t, func() bool { return len(s.events) == eventBuffer }, 5*time.Second, time.Millisecond)

	done := 0
	last := fmt.Sprintf("s/chunk_%d", n-1)
	for {
		ev := nextEvent(t, s)
		if ev.Outcome == OutcomeDone {
			done++
		}
		if ev.UtteranceID == last && ev.Outcome == OutcomeDone {
			break
		}
	}
	assert.Equal(t, n, done)
}

func TestStopReleasesBlockedEmit(t *testing.T) {
	s := NewMockSpeaker(0, testLogger())

	for i := 0; i < eventBuffer; i++ {
		require.NoError(t, s.Speak("word", "", fmt.Sprintf("s/chunk_%d", i)))
	}
	require.Eventually(t, func() bool { return len(s.events) == eventBuffer }, 5*time.Second, time.Millisecond)
	require.NoError(t, s.Stop())

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close blocked on a full event buffer")
	}
}

func TestMockSpeakerReportsErrors(t *testing.T) {
	s := NewMockSpeaker(time.Millisecond, testLogger())
	defer s.Close()

	boom := errors.New("engine hiccup")
	s.FailOn("x", boom)
	require.NoError(t, s.Speak("text", "", "x"))

	assert.Equal(t, OutcomeStarted, nextEvent(t, s).Outcome)
	ev := nextEvent(t, s)
	assert.Equal(t, OutcomeError, ev.Outcome)
	assert.ErrorIs(t, ev.Err, boom)
}

func TestStopDropsQueueSilently(t *testing.T) {
	s := NewMockSpeaker(time.Minute, testLogger())
	defer s.Close()

	require.NoError(t, s.Speak("a", "", "a"))
	require.NoError(t, s.Speak("b", "", "b"))
	assert.Equal(t, Event{UtteranceID: "a", Outcome: OutcomeStarted}, nextEvent(t, s))

	require.NoError(t, s.Stop())
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after stop: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Len(t, s.Spoken(), 1)
}

func TestSpeakAfterClose(t *testing.T) {
	s := NewMockSpeaker(time.Millisecond, testLogger())
	require.NoError(t, s.Close())
	assert.Error(t, s.Speak("late", "", "late"))
	assert.NoError(t, s.Close())
}

func TestExecSpeakerPassesVoiceAndText(t *testing.T) {
	log := filepath.Join(t.TempDir(), "spoken.log")
	s, err := NewExecSpeaker(ExecOptions{
		Command:   []string{"sh", "-c", `printf '%s|%s|%s\n' "$0" "$1" "$2" >> "` + log + `"`},
		VoiceFlag: "-v",
		Voice:     "vi",
	}, testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Speak("Xin chào", "", "u0"))
	require.NoError(t, s.Speak("Hello", "en", "u1"))
	for i := 0; i < 4; i++ {
		ev := nextEvent(t, s)
		require.NotEqual(t, OutcomeError, ev.Outcome, "unexpected error: %v", ev.Err)
	}

	data, err := os.ReadFile(log)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{"-v|vi|Xin chào", "-v|en|Hello"}, lines)
}

func TestExecSpeakerCommandFailure(t *testing.T) {
	s, err := NewExecSpeaker(ExecOptions{Command: []string{"sh", "-c", "echo broken >&2; exit 3"}}, testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Speak("text", "", "u0"))
	assert.Equal(t, OutcomeStarted, nextEvent(t, s).Outcome)
	ev := nextEvent(t, s)
	assert.Equal(t, OutcomeError, ev.Outcome)
	assert.Contains(t, ev.Err.Error(), "broken")
}

func writeFixtureWAV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:   make([]int, 1600),
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	return path
}

func TestExecSpeakerRenderPlaysWAV(t *testing.T) {
	fixture := writeFixtureWAV(t)
	scratch := t.TempDir()
	p := player.NewMockPlayer(time.Millisecond)

	s, err := NewExecSpeaker(ExecOptions{
		Command:    []string{"sh", "-c", `cat "` + fixture + `"`},
		Render:     true,
		Player:     p,
		ScratchDir: scratch,
	}, testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Speak("text", "", "u0"))
	assert.Equal(t, OutcomeStarted, nextEvent(t, s).Outcome)
	ev := nextEvent(t, s)
	require.Equal(t, OutcomeDone, ev.Outcome, "render failed: %v", ev.Err)

	played := p.Played()
	require.Len(t, played, 1)
	assert.Equal(t, scratch, filepath.Dir(played[0]))
	assert.NoFileExists(t, played[0])
}

func TestExecSpeakerRenderRejectsGarbage(t *testing.T) {
	p := player.NewMockPlayer(time.Millisecond)
	s, err := NewExecSpeaker(ExecOptions{
		Command:    []string{"sh", "-c", "echo not-a-wav"},
		Render:     true,
		Player:     p,
		ScratchDir: t.TempDir(),
	}, testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Speak("text", "", "u0"))
	assert.Equal(t, OutcomeStarted, nextEvent(t, s).Outcome)
	assert.Equal(t, OutcomeError, nextEvent(t, s).Outcome)
	assert.Empty(t, p.Played())
}

func TestNewFromConfigUnavailable(t *testing.T) {
	_, err := NewFromConfig(config.DeviceConfig{Mode: "exec", Command: "no-such-speech-engine -q"}, nil, "", testLogger())
	assert.ErrorIs(t, err, ErrUnavailable)

	s, err := NewFromConfig(config.DeviceConfig{Mode: "mock", MockDelayMS: 1}, nil, "", testLogger())
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
