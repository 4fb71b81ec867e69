package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/softwind/echowire/internal/dialogue"
	"github.com/softwind/echowire/internal/providers"
	"github.com/softwind/echowire/pkg/protocol"
	"github.com/softwind/echowire/shared/id"
)

// voteWindowSize frames vote on voice activity; voteThreshold of them must
// agree before the utterance state flips. This rides out single-frame VAD
// flicker.
const (
	voteWindowSize = 5
	voteThreshold  = 3

	// endSilenceFrames of continuous no-voice majority end the utterance.
	endSilenceFrames = 5
)

// ttsJob is one sentence bound for synthesis. last marks the end of the
// turn; its text may be empty.
type ttsJob struct {
	gen  uint64
	text string
	last bool
}

// egressItem is either a control envelope or one Opus frame, stamped with
// the turn generation so barge-in can discard stragglers.
type egressItem struct {
	gen   uint64
	ctrl  any
	frame []byte
}

// voteWindow is a fixed ring of recent per-frame VAD verdicts.
type voteWindow struct {
	slots [voteWindowSize]bool
	next  int
	fill  int
}

func (v *voteWindow) push(voiced bool) {
	v.slots[v.next] = voiced
	v.next = (v.next + 1) % voteWindowSize
	if v.fill < voteWindowSize {
		v.fill++
	}
}

func (v *voteWindow) majority() bool {
	if v.fill < voteWindowSize {
		return false
	}
	count := 0
	for _, s := range v.slots {
		if s {
			count++
		}
	}
	return count >= voteThreshold
}

func (v *voteWindow) reset() { *v = voteWindow{} }

// utterance accumulates one stretch of user speech.
type utterance struct {
	pcm     bytes.Buffer
	packets bytes.Buffer // concatenated Opus packets, kept for audio retention
	active  bool
	silence int
}

func (u *utterance) reset() {
	u.pcm.Reset()
	u.packets.Reset()
	u.active = false
	u.silence = 0
}

// pipelineLoop is the ingress stage: Opus decode, VAD voting, utterance
// assembly, then ASR and the LLM turn. Turns run inline so a new utterance
// never overlaps a running one.
func (s *Session) pipelineLoop() {
	var votes voteWindow
	var utt utterance

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushUtterance:
			if utt.active {
				s.finishUtterance(&utt, &votes)
			}
		case f := <-s.audioIn:
			if !s.ready.Load() {
				s.bufferPreReady(f)
				continue
			}
			if s.manualMode.Load() && !s.manualListening.Load() {
				continue
			}
			s.processFrame(f, &votes, &utt)
		}
	}
}

func (s *Session) processFrame(f protocol.Frame, votes *voteWindow, utt *utterance) {
	pcm, err := s.transcoder.DecodeFrame(f.Payload)
	if err != nil {
		slog.Debug("session: undecodable audio frame", "session", s.id, "error", err)
		return
	}

	ad := s.adapters.Load()
	voiced, err := ad.VAD.IsVoice(s.ctx, pcmToFloat32(pcm))
	if err != nil {
		slog.Warn("session: vad error", "session", s.id, "error", err)
		return
	}
	votes.push(voiced)
	majority := votes.majority()

	if majority && !utt.active {
		utt.active = true
		utt.silence = 0
		// Speaking over the assistant is barge-in.
		if s.isSpeaking.Load() {
			s.abortPlayback("voice interrupt")
		}
	}

	if utt.active {
		utt.pcm.Write(pcm)
		utt.packets.Write(f.Payload)

		if !majority {
			utt.silence++
			if utt.silence >= endSilenceFrames {
				s.finishUtterance(utt, votes)
			}
		} else {
			utt.silence = 0
		}
	}
}

// finishUtterance closes the capture, transcribes it and, if the
// transcript is non-empty, runs the LLM turn.
func (s *Session) finishUtterance(utt *utterance, votes *voteWindow) {
	pcm := make([]byte, utt.pcm.Len())
	copy(pcm, utt.pcm.Bytes())
	packets := make([]byte, utt.packets.Len())
	copy(packets, utt.packets.Bytes())
	utt.reset()
	votes.reset()

	ad := s.adapters.Load()
	if err := ad.VAD.Reset(); err != nil {
		slog.Warn("session: vad reset failed", "session", s.id, "error", err)
	}
	if len(pcm) == 0 {
		return
	}

	transcript, err := ad.ASR.Transcribe(s.ctx, pcm)
	if err != nil {
		slog.Error("session: transcription failed", "session", s.id, "error", err)
		return
	}
	if transcript == "" {
		// Silence and non-speech never reach the model.
		return
	}

	if err := s.SendJSON(protocol.NewSTT(transcript)); err != nil {
		slog.Warn("session: stt echo failed", "session", s.id, "error", err)
	}

	var audioRef []byte
	if b := s.binding.Load(); b != nil && b.ChatHistory == dialogue.RetentionAudio {
		audioRef = packets
	}
	s.dialogue.Load().AddUser(transcript, audioRef)

	label, err := ad.Intent.Classify(s.ctx, transcript)
	if err != nil {
		label = providers.IntentContinueChat
	}

	s.runTurn(s.ctx)

	if label == providers.IntentEndChat {
		// Let the farewell drain before dropping the connection.
		time.Sleep(time.Duration(s.frameDurationMs) * time.Millisecond * 2)
		s.Close()
	}
}

// speak voices one standalone text outside any LLM turn.
func (s *Session) speak(text string) {
	if text == "" {
		return
	}
	gen := s.turnSeq.Add(1)
	s.enqueueTTS(ttsJob{gen: gen, text: text})
	s.enqueueTTS(ttsJob{gen: gen, last: true})
}

func (s *Session) enqueueTTS(job ttsJob) {
	select {
	case s.ttsText <- job:
	case <-s.ctx.Done():
	}
}

// synthesisLoop turns queued sentences into Opus frames and interleaves
// the tts lifecycle envelopes in stream order.
func (s *Session) synthesisLoop() {
	// startedGen is the generation the open start envelope belongs to.
	// Barge-in may drain the aborted turn's jobs before this loop sees
	// them, so the new turn is detected by generation, not by observing a
	// stale job.
	var startedGen uint64

	push := func(item egressItem) {
		select {
		case s.ttsAudio <- item:
		case <-s.ctx.Done():
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.ttsText:
			if job.gen <= s.abortGen.Load() {
				startedGen = 0
				continue
			}

			if job.text != "" {
				frames, err := s.synthesize(job.gen, job.text)
				switch {
				case err != nil && errors.Is(err, context.Canceled):
					slog.Debug("session: synthesis cancelled", "session", s.id)
				case err != nil:
					slog.Error("session: synthesis failed", "session", s.id, "error", err)
				default:
					if startedGen != job.gen {
						startedGen = job.gen
						push(egressItem{gen: job.gen, ctrl: protocol.NewTTS(protocol.TTSStateStart, "", "")})
					}
					sentenceID := id.NewSentence()
					push(egressItem{gen: job.gen, ctrl: protocol.NewTTS(protocol.TTSStateSentenceStart, job.text, sentenceID)})
					for _, frame := range frames {
						push(egressItem{gen: job.gen, frame: frame})
					}
					push(egressItem{gen: job.gen, ctrl: protocol.NewTTS(protocol.TTSStateSentenceEnd, "", sentenceID)})
				}
			}

			if job.last && startedGen == job.gen {
				startedGen = 0
				push(egressItem{gen: job.gen, ctrl: protocol.NewTTS(protocol.TTSStateStop, "", "")})
			}
		}
	}
}

// synthesize runs one TTS call under a cancel scope registered for the
// job's generation, so abortPlayback can cut the request short.
func (s *Session) synthesize(gen uint64, text string) ([][]byte, error) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.synthMu.Lock()
	s.synthGen = gen
	s.synthCancel = cancel
	s.synthMu.Unlock()

	frames, err := s.adapters.Load().TTS.Synthesize(ctx, text)

	s.synthMu.Lock()
	s.synthCancel = nil
	s.synthMu.Unlock()
	cancel()
	return frames, err
}

// egressLoop sends synthesized audio paced at the frame duration, so the
// device buffer never runs far ahead and barge-in lands within one frame.
func (s *Session) egressLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.ttsAudio:
			if item.gen <= s.abortGen.Load() {
				continue
			}

			if item.ctrl != nil {
				if tts, ok := item.ctrl.(protocol.TTS); ok {
					switch tts.State {
					case protocol.TTSStateStart:
						s.isSpeaking.Store(true)
					case protocol.TTSStateStop:
						s.isSpeaking.Store(false)
					}
				}
				if err := s.SendJSON(item.ctrl); err != nil {
					slog.Warn("session: tts control send failed", "session", s.id, "error", err)
				}
				continue
			}

			if err := s.sendAudioFrame(item.frame); err != nil {
				slog.Warn("session: audio send failed", "session", s.id, "error", err)
				continue
			}
			select {
			case <-time.After(time.Duration(s.frameDurationMs) * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// pcmToFloat32 converts 16-bit little-endian PCM to the [-1, 1] float
// samples the VAD consumes.
func pcmToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / float32(math.MaxInt16+1)
	}
	return out
}
