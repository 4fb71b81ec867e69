// Package session is the per-connection runtime: it owns the WebSocket,
// the audio pipeline, the dialogue state and the tool registry of one
// device, and tears all of it down exactly once.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/softwind/echowire/internal/agentcfg"
	"github.com/softwind/echowire/internal/dialogue"
	"github.com/softwind/echowire/internal/providers"
	"github.com/softwind/echowire/internal/tools"
	"github.com/softwind/echowire/internal/tools/deviot"
	"github.com/softwind/echowire/internal/tools/devmcp"
	"github.com/softwind/echowire/pkg/audio"
	"github.com/softwind/echowire/pkg/protocol"
	"github.com/softwind/echowire/shared/id"
)

const (
	// writeTimeout bounds every WebSocket write.
	writeTimeout = 10 * time.Second

	// idleCheckInterval and idleTimeout drive the inactivity monitor.
	idleCheckInterval = 10 * time.Second
	idleTimeout       = 180 * time.Second

	// preReadyBufferSize is how many audio frames we hold while the
	// pipeline is still being assembled after hello.
	preReadyBufferSize = 10

	audioQueueSize   = 100
	ttsTextQueueSize = 10
	egressQueueSize  = 100
)

// Adapters bundles the provider set one binding resolves to. Hot-reload
// swaps the whole bundle atomically.
type Adapters struct {
	VAD        providers.VAD
	ASR        providers.ASR
	LLM        providers.LLM
	TTS        providers.TTS
	Memory     providers.Memory
	Intent     providers.Intent
	Voiceprint providers.Voiceprint
}

// Close releases every adapter in the bundle that holds resources. The
// memory provider may run a background worker; closing it here is what
// stops that worker when the session ends or the bundle is swapped out.
func (a *Adapters) Close() {
	if a == nil {
		return
	}
	if a.VAD != nil {
		if err := a.VAD.Close(); err != nil {
			slog.Warn("session: vad close failed", "error", err)
		}
	}
	if c, ok := a.Memory.(interface{ Close() }); ok {
		c.Close()
	}
}

// AdapterFactory builds the provider bundle for a binding. The server
// supplies it so the session never touches provider configuration.
type AdapterFactory func(ctx context.Context, binding *agentcfg.Binding, frameDurationMs int) (*Adapters, error)

// Deps is everything a session borrows from the server. All fields but
// the optional executors are required.
type Deps struct {
	Resolver      agentcfg.Resolver
	BuildAdapters AdapterFactory
	Sessions      *Registry

	// Shared tool backends. Plugin is the server function library;
	// ServerMCP and MCPEndpoint are optional.
	Plugin      tools.Executor
	ServerMCP   tools.Executor
	MCPEndpoint tools.Executor

	SampleRate      int
	FrameDurationMs int
}

// Session is one connected device. The zero value is not usable; call New.
type Session struct {
	id         string
	deviceMAC  string
	deviceUUID string

	conn    *websocket.Conn
	writeMu sync.Mutex

	deps Deps

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool

	binding  atomic.Pointer[agentcfg.Binding]
	adapters atomic.Pointer[Adapters]
	dialogue atomic.Pointer[dialogue.Dialogue]
	registry *tools.Registry
	devMCP   *devmcp.Executor
	devIoT   *deviot.Executor

	transcoder *audio.Transcoder
	reorder    *reorderBuffer

	protoVersion    int
	frameDurationMs int
	inTimestamp     uint32
	outTimestamp    uint32
	features        map[string]bool

	audioIn        chan protocol.Frame
	ttsText        chan ttsJob
	ttsAudio       chan egressItem
	flushUtterance chan struct{}

	ready      atomic.Bool
	preMu      sync.Mutex
	preBuffer  []protocol.Frame
	dropWarned atomic.Bool

	// turnSeq numbers LLM turns; abortGen marks the newest aborted one.
	// Queued items stamped with an aborted generation are discarded.
	turnSeq  atomic.Uint64
	abortGen atomic.Uint64
	turnMu   sync.Mutex

	// synthGen/synthCancel track the TTS call in flight so barge-in can
	// cancel it instead of waiting for the provider to finish.
	synthMu     sync.Mutex
	synthGen    uint64
	synthCancel context.CancelFunc

	helloDone       atomic.Bool
	manualMode      atomic.Bool
	manualListening atomic.Bool
	isSpeaking      atomic.Bool
	lastActivity    atomic.Int64

	reloading atomic.Bool
}

// New creates a session for an upgraded connection and registers it for
// notification delivery. Run must be called to start it.
func New(deps Deps, conn *websocket.Conn, deviceMAC, deviceUUID string) *Session {
	s := &Session{
		id:              id.NewSession(),
		deviceMAC:       deviceMAC,
		deviceUUID:      deviceUUID,
		conn:            conn,
		deps:            deps,
		registry:        tools.NewRegistry(),
		frameDurationMs: deps.FrameDurationMs,
		audioIn:         make(chan protocol.Frame, audioQueueSize),
		ttsText:         make(chan ttsJob, ttsTextQueueSize),
		ttsAudio:        make(chan egressItem, egressQueueSize),
		flushUtterance:  make(chan struct{}, 1),
	}
	if s.frameDurationMs <= 0 {
		s.frameDurationMs = audio.DefaultFrameDurationMs
	}
	// Run rebinds this to the server's context and releases the
	// placeholder; having one from the start keeps Close and the queue
	// helpers safe before Run.
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.touch()
	deps.Sessions.Add(s)
	return s
}

func (s *Session) ID() string         { return s.id }
func (s *Session) DeviceMAC() string  { return s.deviceMAC }
func (s *Session) DeviceUUID() string { return s.deviceUUID }

// SetSystemPrompt replaces the dialogue's system message. Tools use it to
// switch the assistant's role mid-session.
func (s *Session) SetSystemPrompt(prompt string) {
	if d := s.dialogue.Load(); d != nil {
		d.SetSystemPrompt(prompt)
	}
}

// SendJSON writes one control envelope to the device.
func (s *Session) SendJSON(v any) error {
	if s.closed.Load() {
		return fmt.Errorf("session %s is closed", s.id)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write control message: %w", err)
	}
	return nil
}

// sendAudioFrame writes one Opus packet, framed per the negotiated version.
func (s *Session) sendAudioFrame(packet []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("session %s is closed", s.id)
	}
	f := protocol.Frame{Type: protocol.FrameAudio, Timestamp: s.outTimestamp, Payload: packet}
	s.outTimestamp += uint32(s.frameDurationMs)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(s.protoVersion, f)); err != nil {
		return fmt.Errorf("write audio frame: %w", err)
	}
	return nil
}

// Run services the connection until the device disconnects, the context
// ends, or the idle monitor fires. It blocks.
func (s *Session) Run(ctx context.Context) {
	placeholder := s.cancel
	s.ctx, s.cancel = context.WithCancel(ctx)
	placeholder()
	defer s.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.pipelineLoop() }()
	go func() { defer wg.Done(); s.synthesisLoop() }()
	go func() { defer wg.Done(); s.egressLoop() }()
	go s.idleMonitor()

	slog.Info("session: connected", "session", s.id, "mac", s.deviceMAC)
	s.readLoop()
	s.cancel()
	wg.Wait()
}

func (s *Session) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				slog.Info("session: read ended", "session", s.id, "error", err)
			}
			return
		}
		s.touch()

		switch msgType {
		case websocket.TextMessage:
			s.handleControl(data)
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

func (s *Session) handleBinary(data []byte) {
	f, err := protocol.Decode(s.protoVersion, data)
	if err != nil {
		slog.Warn("session: bad binary frame", "session", s.id, "error", err)
		return
	}
	if f.Type == protocol.FrameText {
		s.handleControl(f.Payload)
		return
	}

	// V3 and unframed audio carry no timestamp; synthesize one that
	// advances by the frame duration so the reorder stage is uniform.
	if f.Version != protocol.VersionV2 {
		s.inTimestamp += uint32(s.frameDurationMs)
		f.Timestamp = s.inTimestamp
	}

	if s.reorder == nil {
		s.reorder = newReorderBuffer(s.frameDurationMs)
	}
	for _, ordered := range s.reorder.Push(f) {
		s.enqueueAudio(ordered)
	}
}

// enqueueAudio never blocks the read loop: when the pipeline falls behind,
// the oldest queued frame is dropped.
func (s *Session) enqueueAudio(f protocol.Frame) {
	for {
		select {
		case s.audioIn <- f:
			return
		default:
		}
		select {
		case <-s.audioIn:
			if s.dropWarned.CompareAndSwap(false, true) {
				slog.Warn("session: audio queue full, dropping oldest frames", "session", s.id)
			}
		default:
		}
	}
}

func (s *Session) handleControl(data []byte) {
	kind, err := protocol.Kind(data)
	if err != nil {
		slog.Warn("session: bad control message", "session", s.id, "error", err)
		return
	}

	switch kind {
	case protocol.TypeHello:
		s.handleHello(data)
	case protocol.TypeListen:
		s.handleListen(data)
	case protocol.TypeAbort:
		msg, _ := protocol.DecodeAs[protocol.Abort](data)
		reason := "client abort"
		if msg != nil && msg.Reason != "" {
			reason = msg.Reason
		}
		s.abortPlayback(reason)
	case protocol.TypeIoT:
		s.handleIoT(data)
	case protocol.TypeMCP:
		if s.devMCP != nil {
			msg, err := protocol.DecodeAs[protocol.MCP](data)
			if err != nil {
				slog.Warn("session: bad mcp envelope", "session", s.id, "error", err)
				return
			}
			s.devMCP.HandleMessage(msg.Payload)
		}
	case protocol.TypeServer:
		msg, err := protocol.DecodeAs[protocol.Server](data)
		if err != nil {
			return
		}
		if msg.Action == "reload_config" {
			go func() {
				if err := s.Reload(s.ctx); err != nil {
					slog.Warn("session: reload failed", "session", s.id, "error", err)
				}
			}()
		}
	default:
		slog.Debug("session: ignoring control message", "session", s.id, "kind", kind)
	}
}

func (s *Session) handleHello(data []byte) {
	hello, err := protocol.DecodeAs[protocol.Hello](data)
	if err != nil {
		slog.Warn("session: bad hello", "session", s.id, "error", err)
		return
	}

	// The negotiated version and frame duration are read by the egress
	// goroutine once the pipeline starts; renegotiating mid-session would
	// race it, so only the first hello counts.
	if !s.helloDone.CompareAndSwap(false, true) {
		slog.Warn("session: repeated hello ignored", "session", s.id)
		return
	}

	switch hello.Version {
	case protocol.VersionV2, protocol.VersionV3:
		s.protoVersion = hello.Version
	}
	if hello.AudioParams != nil && hello.AudioParams.FrameDuration > 0 {
		s.frameDurationMs = hello.AudioParams.FrameDuration
	}
	s.features = hello.Features
	s.reorder = newReorderBuffer(s.frameDurationMs)

	sampleRate := s.deps.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	s.transcoder, err = audio.NewTranscoder(sampleRate, audio.DefaultChannels, s.frameDurationMs)
	if err != nil {
		slog.Error("session: transcoder init failed", "session", s.id, "error", err)
		s.Close()
		return
	}

	reply := protocol.Hello{
		Type:      protocol.TypeHello,
		Version:   s.protoVersion,
		Transport: "websocket",
		SessionID: s.id,
		AudioParams: &protocol.AudioParams{
			Format:        "opus",
			SampleRate:    sampleRate,
			Channels:      audio.DefaultChannels,
			FrameDuration: s.frameDurationMs,
		},
	}
	if err := s.SendJSON(reply); err != nil {
		slog.Warn("session: hello reply failed", "session", s.id, "error", err)
		return
	}

	go s.initPipeline()
}

// initPipeline resolves the agent binding, builds the provider bundle and
// the tool registry, then opens the audio gate. It runs once per session.
func (s *Session) initPipeline() {
	ctx := s.ctx

	binding, err := s.deps.Resolver.Resolve(ctx, s.deviceMAC)
	if err != nil {
		slog.Error("session: no agent binding", "session", s.id, "mac", s.deviceMAC, "error", err)
		s.Close()
		return
	}

	ad, err := s.deps.BuildAdapters(ctx, binding, s.frameDurationMs)
	if err != nil {
		slog.Error("session: provider init failed", "session", s.id, "agent", binding.ID, "error", err)
		s.Close()
		return
	}

	d := dialogue.New(binding.ChatHistory)
	d.SetSystemPrompt(RenderPrompt(binding, s.deviceMAC, time.Now()))
	s.dialogue.Store(d)
	s.binding.Store(binding)
	s.adapters.Store(ad)

	if err := s.buildToolRegistry(ctx); err != nil {
		slog.Warn("session: tool registry incomplete", "session", s.id, "error", err)
	}

	s.ready.Store(true)
	s.flushPreBuffer()
	slog.Info("session: pipeline ready", "session", s.id, "agent", binding.ID, "frame_ms", s.frameDurationMs)
}

func (s *Session) buildToolRegistry(ctx context.Context) error {
	var firstErr error
	register := func(tag tools.Backend, exec tools.Executor) {
		if exec == nil {
			return
		}
		if err := s.registry.Register(ctx, tag, exec); err != nil {
			slog.Warn("session: tool backend registration failed",
				"session", s.id, "backend", tag.String(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	register(tools.BackendServerPlugin, s.deps.Plugin)

	// The binding may narrow which shared MCP servers this agent sees.
	serverMCP := s.deps.ServerMCP
	if sel, ok := serverMCP.(tools.ServerSelector); ok {
		if b := s.binding.Load(); b != nil {
			serverMCP = sel.ForServers(b.SelectedServers(sel.ServerNames()))
		}
	}
	register(tools.BackendServerMCP, serverMCP)
	register(tools.BackendMCPEndpoint, s.deps.MCPEndpoint)

	s.devIoT = deviot.New(s.sendIoTCommands, func() { s.registry.Invalidate(s.ctx) })
	register(tools.BackendDeviceIoT, s.devIoT)

	if s.features["mcp"] {
		s.devMCP = devmcp.New(func(payload json.RawMessage) error {
			return s.SendJSON(protocol.NewMCP(payload))
		})
		if err := s.devMCP.Initialize(ctx); err != nil {
			slog.Warn("session: device mcp init failed", "session", s.id, "error", err)
		} else {
			register(tools.BackendDeviceMCP, s.devMCP)
		}
	}
	return firstErr
}

func (s *Session) handleListen(data []byte) {
	msg, err := protocol.DecodeAs[protocol.Listen](data)
	if err != nil {
		slog.Warn("session: bad listen message", "session", s.id, "error", err)
		return
	}

	switch msg.State {
	case protocol.ListenStateStart:
		s.manualMode.Store(msg.Mode == protocol.ListenModeManual)
		s.manualListening.Store(true)
	case protocol.ListenStateStop:
		s.manualListening.Store(false)
		select {
		case s.flushUtterance <- struct{}{}:
		default:
		}
	case protocol.ListenStateDetect:
		// Wake word (or typed text) arrives as a ready-made transcript.
		if msg.Text != "" {
			go s.handleUserText(msg.Text)
		}
	}
}

func (s *Session) handleIoT(data []byte) {
	msg, err := protocol.DecodeAs[protocol.IoT](data)
	if err != nil {
		slog.Warn("session: bad iot message", "session", s.id, "error", err)
		return
	}
	if s.devIoT == nil {
		return
	}
	if len(msg.Descriptors) > 0 {
		if err := s.devIoT.RegisterDescriptors(msg.Descriptors); err != nil {
			slog.Warn("session: iot descriptor rejected", "session", s.id, "error", err)
		}
	}
	if len(msg.States) > 0 {
		s.devIoT.UpdateStates(msg.States)
	}
}

func (s *Session) sendIoTCommands(commands []deviot.Command) error {
	payload := protocol.IoT{Type: protocol.TypeIoT}
	for _, c := range commands {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode iot command: %w", err)
		}
		payload.Commands = append(payload.Commands, raw)
	}
	return s.SendJSON(payload)
}

// handleUserText feeds a ready transcript (wake word, typed input or an
// LLM-voiced notification) through the normal turn machinery.
func (s *Session) handleUserText(text string) {
	if !s.ready.Load() {
		return
	}
	d := s.dialogue.Load()
	d.AddUser(text, nil)
	if err := s.SendJSON(protocol.NewSTT(text)); err != nil {
		slog.Warn("session: stt echo failed", "session", s.id, "error", err)
	}
	s.runTurn(s.ctx)
}

// Notify delivers a push payload. UseLLM routes the content through an
// LLM turn so it is spoken naturally; otherwise the text is synthesized
// verbatim after the raw envelope.
func (s *Session) Notify(useLLM bool, title, content string) bool {
	if err := s.SendJSON(protocol.NewNotification(useLLM, title, content)); err != nil {
		slog.Warn("session: notification send failed", "session", s.id, "error", err)
		return false
	}
	if !s.ready.Load() {
		return true
	}
	if useLLM {
		go s.handleUserText(fmt.Sprintf("(system) Remind me now: %s. %s", title, content))
	} else {
		go s.speak(strings.TrimSpace(title + " " + content))
	}
	return true
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleMonitor() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle > idleTimeout {
				slog.Info("session: idle timeout", "session", s.id, "idle", idle.Round(time.Second))
				s.Close()
				return
			}
		}
	}
}

// abortPlayback is barge-in: everything queued for the current turn is
// discarded and no trailing stop marker is sent.
func (s *Session) abortPlayback(reason string) {
	s.abortGen.Store(s.turnSeq.Load())
	s.isSpeaking.Store(false)
	s.drainQueues()

	s.synthMu.Lock()
	if s.synthCancel != nil && s.synthGen <= s.abortGen.Load() {
		s.synthCancel()
	}
	s.synthMu.Unlock()

	slog.Info("session: playback aborted", "session", s.id, "reason", reason)
}

func (s *Session) drainQueues() {
	for {
		select {
		case <-s.ttsText:
		case <-s.ttsAudio:
		default:
			return
		}
	}
}

func (s *Session) bufferPreReady(f protocol.Frame) {
	s.preMu.Lock()
	defer s.preMu.Unlock()
	if len(s.preBuffer) >= preReadyBufferSize {
		s.preBuffer = s.preBuffer[1:]
	}
	s.preBuffer = append(s.preBuffer, f)
}

func (s *Session) flushPreBuffer() {
	s.preMu.Lock()
	buffered := s.preBuffer
	s.preBuffer = nil
	s.preMu.Unlock()
	for _, f := range buffered {
		s.enqueueAudio(f)
	}
}

// Close tears the session down exactly once: it aborts playback, stops the
// workers, releases the adapter bundle and closes the socket. Safe from any
// goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.deps.Sessions.Remove(s)
		s.abortGen.Store(s.turnSeq.Load())
		if s.cancel != nil {
			s.cancel()
		}
		s.drainQueues()

		s.adapters.Load().Close()

		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
		s.writeMu.Unlock()

		slog.Info("session: closed", "session", s.id, "mac", s.deviceMAC)
	})
}

// RenderPrompt expands the binding's prompt template. Only a small set of
// placeholders is supported; unknown ones pass through untouched.
func RenderPrompt(b *agentcfg.Binding, deviceMAC string, now time.Time) string {
	r := strings.NewReplacer(
		"{{assistant_name}}", b.Name,
		"{{device_mac}}", deviceMAC,
		"{{local_date}}", now.Format("2006-01-02"),
		"{{local_time}}", now.Format("15:04"),
	)
	return r.Replace(b.PromptTemplate)
}
