package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwind/echowire/internal/agentcfg"
	"github.com/softwind/echowire/internal/dialogue"
	"github.com/softwind/echowire/internal/providers"
	"github.com/softwind/echowire/pkg/protocol"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

type fakeResolver struct {
	mu      sync.Mutex
	binding *agentcfg.Binding
	err     error
}

func (f *fakeResolver) Resolve(context.Context, string) (*agentcfg.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.binding
	return &cp, nil
}

func (f *fakeResolver) set(b *agentcfg.Binding) {
	f.mu.Lock()
	f.binding = b
	f.mu.Unlock()
}

type fakeVAD struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeVAD) IsVoice(context.Context, []float32) (bool, error) { return false, nil }
func (f *fakeVAD) Reset() error                                     { return nil }
func (f *fakeVAD) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeVAD) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeMemory struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeMemory) SaveDialogue(context.Context, providers.DialogueTurn) error { return nil }
func (f *fakeMemory) QueryContext(context.Context, string, string) (string, error) {
	return "", nil
}

func (f *fakeMemory) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeMemory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeASR struct{ text string }

func (f *fakeASR) Transcribe(context.Context, []byte) (string, error) { return f.text, nil }

type fakeLLM struct{ content []string }

func (f *fakeLLM) ChatStream(context.Context, []providers.ChatMessage, []providers.ToolSpec) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range f.content {
			ch <- providers.StreamChunk{Content: c}
		}
		ch <- providers.StreamChunk{Done: true}
	}()
	return ch, nil
}

func (f *fakeLLM) Chat(context.Context, []providers.ChatMessage) (string, error) {
	return strings.Join(f.content, ""), nil
}

type fakeTTS struct{ frames int }

func (f *fakeTTS) Synthesize(context.Context, string) ([][]byte, error) {
	out := make([][]byte, f.frames)
	for i := range out {
		out[i] = []byte{0x01, 0x02}
	}
	return out, nil
}

// blockingTTS parks until its context is cancelled, standing in for a slow
// provider call.
type blockingTTS struct {
	entered   chan struct{}
	cancelled chan struct{}
}

func newBlockingTTS() *blockingTTS {
	return &blockingTTS{entered: make(chan struct{}), cancelled: make(chan struct{})}
}

func (b *blockingTTS) Synthesize(ctx context.Context, _ string) ([][]byte, error) {
	close(b.entered)
	<-ctx.Done()
	close(b.cancelled)
	return nil, ctx.Err()
}

func fakeAdapters() *Adapters {
	return &Adapters{
		VAD:        &fakeVAD{},
		ASR:        &fakeASR{text: "hello"},
		LLM:        &fakeLLM{content: []string{"Hi there! ", "How can I help?"}},
		TTS:        &fakeTTS{frames: 2},
		Memory:     providers.NopMemory{},
		Intent:     providers.NopIntent{},
		Voiceprint: providers.NopVoiceprint{},
	}
}

func testBinding(name string) *agentcfg.Binding {
	return &agentcfg.Binding{
		ID:             "agent-1",
		Name:           name,
		PromptTemplate: "You are {{assistant_name}}.",
		ChatHistory:    dialogue.RetentionText,
	}
}

// wsPair upgrades a loopback connection and hands back both ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-connCh:
	case <-time.After(time.Second):
		t.Fatal("server side never connected")
	}
	return server, client
}

func testDeps(resolver *fakeResolver, build AdapterFactory) Deps {
	return Deps{
		Resolver:      resolver,
		BuildAdapters: build,
		Sessions:      NewRegistry(),
	}
}

func staticAdapters(ad *Adapters) AdapterFactory {
	return func(context.Context, *agentcfg.Binding, int) (*Adapters, error) {
		return ad, nil
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server, _ := wsPair(t)
	deps := testDeps(&fakeResolver{binding: testBinding("Echo")}, staticAdapters(fakeAdapters()))
	s := New(deps, server, testMAC, "uuid-1")
	require.Equal(t, 1, deps.Sessions.Len())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, deps.Sessions.Len())
	assert.True(t, s.closed.Load())
}

func TestCloseReleasesAdapterBundle(t *testing.T) {
	server, _ := wsPair(t)
	vad := &fakeVAD{}
	mem := &fakeMemory{}
	ad := fakeAdapters()
	ad.VAD = vad
	ad.Memory = mem
	deps := testDeps(&fakeResolver{binding: testBinding("Echo")}, staticAdapters(ad))
	s := New(deps, server, testMAC, "uuid-1")
	s.adapters.Store(ad)

	s.Close()

	assert.True(t, vad.isClosed())
	assert.True(t, mem.isClosed(), "memory worker kept running after close")
}

func TestRegistryDisplacesStaleSession(t *testing.T) {
	deps := testDeps(&fakeResolver{binding: testBinding("Echo")}, staticAdapters(fakeAdapters()))

	server1, _ := wsPair(t)
	s1 := New(deps, server1, testMAC, "uuid-1")

	server2, _ := wsPair(t)
	s2 := New(deps, server2, testMAC, "uuid-1")

	assert.Same(t, s2, deps.Sessions.Get(testMAC))
	assert.Eventually(t, func() bool { return s1.closed.Load() }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, deps.Sessions.Len())
}

func TestSpeakQueuesSentenceThenStop(t *testing.T) {
	server, _ := wsPair(t)
	deps := testDeps(&fakeResolver{binding: testBinding("Echo")}, staticAdapters(fakeAdapters()))
	s := New(deps, server, testMAC, "uuid-1")
	defer s.Close()

	s.speak("Water time.")

	job := <-s.ttsText
	assert.Equal(t, "Water time.", job.text)
	assert.False(t, job.last)

	job = <-s.ttsText
	assert.True(t, job.last)
	assert.Empty(t, job.text)
}

func TestAbortDiscardsQueuedPlayback(t *testing.T) {
	server, _ := wsPair(t)
	deps := testDeps(&fakeResolver{binding: testBinding("Echo")}, staticAdapters(fakeAdapters()))
	s := New(deps, server, testMAC, "uuid-1")
	defer s.Close()

	gen := s.turnSeq.Add(1)
	s.isSpeaking.Store(true)
	s.ttsText <- ttsJob{gen: gen, text: "queued"}
	s.ttsAudio <- egressItem{gen: gen, frame: []byte{0x01}}
	s.ttsAudio <- egressItem{gen: gen, ctrl: protocol.NewTTS(protocol.TTSStateStop, "", "")}

	s.abortPlayback("test")

	assert.Empty(t, s.ttsText)
	assert.Empty(t, s.ttsAudio)
	assert.False(t, s.isSpeaking.Load())
	assert.Equal(t, gen, s.abortGen.Load())
}

func TestAbortCancelsInFlightSynthesis(t *testing.T) {
	server, _ := wsPair(t)
	tts := newBlockingTTS()
	ad := fakeAdapters()
	ad.TTS = tts
	deps := testDeps(&fakeResolver{binding: testBinding("Echo")}, staticAdapters(ad))
	s := New(deps, server, testMAC, "uuid-1")
	defer s.Close()
	s.adapters.Store(ad)

	gen := s.turnSeq.Add(1)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.synthesize(gen, "a very long sentence")
		errCh <- err
	}()

	select {
	case <-tts.entered:
	case <-time.After(time.Second):
		t.Fatal("synthesis never started")
	}

	s.abortPlayback("voice interrupt")

	select {
	case <-tts.cancelled:
	case <-time.After(time.Second):
		t.Fatal("abort left the synthesis call running")
	}
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

// TestBargeInReopensNextTurnPlayback covers the window where barge-in
// drains the aborted turn's jobs before the synthesis loop observes any:
// the next turn must still open with a tts start envelope.
func TestBargeInReopensNextTurnPlayback(t *testing.T) {
	server, _ := wsPair(t)
	deps := testDeps(&fakeResolver{binding: testBinding("Echo")}, staticAdapters(fakeAdapters()))
	s := New(deps, server, testMAC, "uuid-1")
	defer s.Close()
	s.adapters.Store(fakeAdapters())

	go s.synthesisLoop()

	readStates := func(until string) []string {
		var states []string
		deadline := time.After(2 * time.Second)
		for {
			select {
			case item := <-s.ttsAudio:
				tts, ok := item.ctrl.(protocol.TTS)
				if !ok {
					continue
				}
				states = append(states, tts.State)
				if tts.State == until {
					return states
				}
			case <-deadline:
				t.Fatalf("never saw %q, got %v", until, states)
			}
		}
	}

	gen1 := s.turnSeq.Add(1)
	s.ttsText <- ttsJob{gen: gen1, text: "First turn."}
	states := readStates(protocol.TTSStateSentenceEnd)
	require.Equal(t, protocol.TTSStateStart, states[0])

	// Barge-in: the queues are already empty, so the loop never sees a
	// stale job for gen1.
	s.abortPlayback("voice interrupt")

	gen2 := s.turnSeq.Add(1)
	s.ttsText <- ttsJob{gen: gen2, text: "Second turn."}
	s.ttsText <- ttsJob{gen: gen2, last: true}

	states = readStates(protocol.TTSStateStop)
	require.NotEmpty(t, states)
	assert.Equal(t, protocol.TTSStateStart, states[0], "next turn opened without a start envelope")
	assert.Contains(t, states, protocol.TTSStateSentenceStart)
}

func TestRepeatedHelloKeepsFirstNegotiation(t *testing.T) {
	server, _ := wsPair(t)
	deps := testDeps(&fakeResolver{binding: testBinding("Echo")}, staticAdapters(fakeAdapters()))
	s := New(deps, server, testMAC, "uuid-1")
	defer s.Close()

	first, err := json.Marshal(protocol.Hello{
		Type:        protocol.TypeHello,
		Version:     protocol.VersionV3,
		AudioParams: &protocol.AudioParams{Format: "opus", SampleRate: 16000, FrameDuration: 60},
	})
	require.NoError(t, err)
	s.handleHello(first)
	require.Equal(t, 60, s.frameDurationMs)
	require.Equal(t, protocol.VersionV3, s.protoVersion)

	second, err := json.Marshal(protocol.Hello{
		Type:        protocol.TypeHello,
		Version:     protocol.VersionV2,
		AudioParams: &protocol.AudioParams{Format: "opus", SampleRate: 16000, FrameDuration: 20},
	})
	require.NoError(t, err)
	s.handleHello(second)

	assert.Equal(t, 60, s.frameDurationMs, "renegotiation must not land mid-session")
	assert.Equal(t, protocol.VersionV3, s.protoVersion)
}

func TestHotReloadSwapsBundleAndPrompt(t *testing.T) {
	server, _ := wsPair(t)
	resolver := &fakeResolver{binding: testBinding("Echo")}

	oldVAD := &fakeVAD{}
	oldMem := &fakeMemory{}
	oldAd := fakeAdapters()
	oldAd.VAD = oldVAD
	oldAd.Memory = oldMem
	newAd := fakeAdapters()

	deps := testDeps(resolver, staticAdapters(newAd))
	s := New(deps, server, testMAC, "uuid-1")
	defer s.Close()

	d := dialogue.New(dialogue.RetentionText)
	d.SetSystemPrompt("You are Echo.")
	s.dialogue.Store(d)
	s.binding.Store(testBinding("Echo"))
	s.adapters.Store(oldAd)
	s.ready.Store(true)

	resolver.set(testBinding("Nova"))
	require.NoError(t, s.Reload(context.Background()))

	assert.Same(t, newAd, s.adapters.Load())
	assert.Equal(t, "Nova", s.binding.Load().Name)
	assert.Equal(t, "You are Nova.", d.SystemPrompt())
	assert.True(t, oldVAD.isClosed())
	assert.True(t, oldMem.isClosed(), "stale bundle's memory worker kept running")
}

func TestHotReloadRollsBackOnFailure(t *testing.T) {
	server, _ := wsPair(t)
	resolver := &fakeResolver{binding: testBinding("Echo")}

	oldAd := fakeAdapters()
	deps := testDeps(resolver, func(context.Context, *agentcfg.Binding, int) (*Adapters, error) {
		return nil, fmt.Errorf("provider endpoint unreachable")
	})
	s := New(deps, server, testMAC, "uuid-1")
	defer s.Close()

	d := dialogue.New(dialogue.RetentionText)
	d.SetSystemPrompt("You are Echo.")
	s.dialogue.Store(d)
	s.binding.Store(testBinding("Echo"))
	s.adapters.Store(oldAd)
	s.ready.Store(true)

	resolver.set(testBinding("Nova"))
	err := s.Reload(context.Background())
	require.Error(t, err)

	// The session keeps running on the previous bundle and prompt.
	assert.Same(t, oldAd, s.adapters.Load())
	assert.Equal(t, "Echo", s.binding.Load().Name)
	assert.Equal(t, "You are Echo.", d.SystemPrompt())
}

func TestRenderPrompt(t *testing.T) {
	b := &agentcfg.Binding{
		Name:           "Nova",
		PromptTemplate: "You are {{assistant_name}} on {{device_mac}}. Today is {{local_date}}.",
	}
	now := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	got := RenderPrompt(b, testMAC, now)
	assert.Equal(t, "You are Nova on AA:BB:CC:DD:EE:FF. Today is 2026-08-24.", got)
}

func TestDetectEmotion(t *testing.T) {
	assert.Equal(t, "laughing", DetectEmotion("That's hilarious 😂").Emotion)
	assert.Equal(t, "sad", DetectEmotion("I'm sorry to hear that 😢").Emotion)
	assert.Equal(t, "happy", DetectEmotion("Great news!").Emotion)
	assert.Equal(t, "neutral", DetectEmotion("The meeting is at three.").Emotion)
}

func TestVoteWindowMajority(t *testing.T) {
	var v voteWindow
	for i := 0; i < 4; i++ {
		v.push(true)
		assert.False(t, v.majority(), "no verdict until the window fills")
	}
	v.push(true)
	assert.True(t, v.majority())

	// Two dissenting frames keep the majority; a third flips it.
	v.push(false)
	v.push(false)
	assert.True(t, v.majority())
	v.push(false)
	assert.False(t, v.majority())
}

// TestTurnOverTheWire drives a full text turn through a live connection:
// hello handshake, wake-word transcript, streamed sentences, paced audio
// and the tts lifecycle envelopes.
func TestTurnOverTheWire(t *testing.T) {
	server, client := wsPair(t)
	deps := testDeps(&fakeResolver{binding: testBinding("Echo")}, staticAdapters(fakeAdapters()))
	s := New(deps, server, testMAC, "uuid-1")
	defer s.Close()

	go s.Run(context.Background())

	require.NoError(t, client.WriteJSON(protocol.Hello{
		Type:    protocol.TypeHello,
		Version: protocol.VersionV3,
		AudioParams: &protocol.AudioParams{
			Format:        "opus",
			SampleRate:    16000,
			FrameDuration: 60,
		},
	}))

	// Hello reply comes first.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply protocol.Hello
	require.NoError(t, client.ReadJSON(&reply))
	assert.Equal(t, protocol.TypeHello, reply.Type)
	assert.Equal(t, s.id, reply.SessionID)

	require.Eventually(t, func() bool { return s.ready.Load() }, 2*time.Second, 10*time.Millisecond,
		"pipeline never became ready")

	require.NoError(t, client.WriteJSON(protocol.Listen{
		Type:  protocol.TypeListen,
		State: protocol.ListenStateDetect,
		Text:  "what's the weather",
	}))

	var (
		sawSTT, sawStart, sawStop bool
		sentences                 []string
		audioFrames               int
	)
	deadline := time.Now().Add(5 * time.Second)
	for !sawStop && time.Now().Before(deadline) {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, data, err := client.ReadMessage()
		require.NoError(t, err)

		if msgType == websocket.BinaryMessage {
			f, err := protocol.DecodeV3(data)
			require.NoError(t, err)
			if f.Type == protocol.FrameAudio {
				audioFrames++
			}
			continue
		}

		var env struct {
			Type  string `json:"type"`
			State string `json:"state"`
			Text  string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		switch env.Type {
		case protocol.TypeSTT:
			sawSTT = true
			assert.Equal(t, "what's the weather", env.Text)
		case protocol.TypeTTS:
			switch env.State {
			case protocol.TTSStateStart:
				sawStart = true
			case protocol.TTSStateSentenceStart:
				sentences = append(sentences, env.Text)
			case protocol.TTSStateStop:
				sawStop = true
			}
		}
	}

	assert.True(t, sawSTT, "transcript echo missing")
	assert.True(t, sawStart, "tts start missing")
	assert.True(t, sawStop, "tts stop missing")
	assert.Equal(t, []string{"Hi there!", "How can I help?"}, sentences)
	assert.Equal(t, 4, audioFrames, "two sentences, two frames each")
}
