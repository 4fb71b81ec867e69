package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

const (
	// MaxOpusFrameSize bounds a single encoded Opus packet.
	MaxOpusFrameSize = 4000

	// DefaultSampleRate is the device-side rate for both directions.
	DefaultSampleRate = 16000
	// DefaultChannels is mono; the devices have a single microphone.
	DefaultChannels = 1
	// DefaultFrameDurationMs is the negotiated default frame duration.
	DefaultFrameDurationMs = 60

	bytesPerPCMSample     = 2
	opusEncoderComplexity = 10
	opusEncoderBitrate    = 24000
)

// Transcoder converts between 16-bit little-endian PCM and Opus packets at a
// fixed sample rate, channel count and frame duration. It is not safe for
// concurrent use; each session owns its own.
type Transcoder struct {
	encoder    *opus.Encoder
	decoder    *opus.Decoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per frame
}

func NewTranscoder(sampleRate, channels, frameDurationMs int) (*Transcoder, error) {
	encoder, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	encoder.SetBitrate(opusEncoderBitrate)
	encoder.SetComplexity(opusEncoderComplexity)

	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	return &Transcoder{
		encoder:    encoder,
		decoder:    decoder,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * frameDurationMs / 1000,
	}, nil
}

// FrameBytes is the PCM byte length of one frame.
func (t *Transcoder) FrameBytes() int {
	return t.frameSize * t.channels * bytesPerPCMSample
}

// EncodePCM splits PCM into frame-duration chunks and encodes each as one
// Opus packet. A trailing partial frame is zero-padded.
func (t *Transcoder) EncodePCM(pcm []byte) ([][]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}

	samples := make([]int16, len(pcm)/bytesPerPCMSample)
	if err := binary.Read(bytes.NewReader(pcm), binary.LittleEndian, &samples); err != nil {
		return nil, fmt.Errorf("read pcm samples: %w", err)
	}

	frameSamples := t.frameSize * t.channels
	var frames [][]byte

	for i := 0; i < len(samples); i += frameSamples {
		end := i + frameSamples
		frame := make([]int16, frameSamples)
		if end > len(samples) {
			copy(frame, samples[i:])
		} else {
			copy(frame, samples[i:end])
		}

		packet := make([]byte, MaxOpusFrameSize)
		n, err := t.encoder.Encode(frame, packet)
		if err != nil {
			return nil, fmt.Errorf("encode opus frame: %w", err)
		}
		frames = append(frames, packet[:n])
	}

	return frames, nil
}

// DecodeFrame decodes one Opus packet to 16-bit little-endian PCM.
func (t *Transcoder) DecodeFrame(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("empty opus packet")
	}

	samples := make([]int16, t.frameSize*t.channels)
	n, err := t.decoder.Decode(packet, samples)
	if err != nil {
		return nil, fmt.Errorf("decode opus frame: %w", err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, samples[:n*t.channels]); err != nil {
		return nil, fmt.Errorf("write pcm samples: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFrameFloat32 decodes one Opus packet to float32 samples for VAD.
func (t *Transcoder) DecodeFrameFloat32(packet []byte) ([]float32, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("empty opus packet")
	}

	samples := make([]float32, t.frameSize*t.channels)
	n, err := t.decoder.DecodeFloat32(packet, samples)
	if err != nil {
		return nil, fmt.Errorf("decode opus frame: %w", err)
	}
	return samples[:n*t.channels], nil
}
