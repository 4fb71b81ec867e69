package audio

// WrapWAV prepends a 44-byte RIFF header to raw 16-bit PCM so it can be
// posted to HTTP ASR endpoints that expect a WAV file.
func WrapWAV(pcm []byte, sampleRate, channels int) []byte {
	bitsPerSample := 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)
	fileSize := 36 + dataSize

	header := make([]byte, 44)

	copy(header[0:4], "RIFF")
	putLE32(header[4:8], uint32(fileSize))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	putLE32(header[16:20], 16)
	putLE16(header[20:22], 1) // PCM format
	putLE16(header[22:24], uint16(channels))
	putLE32(header[24:28], uint32(sampleRate))
	putLE32(header[28:32], uint32(byteRate))
	putLE16(header[32:34], uint16(blockAlign))
	putLE16(header[34:36], uint16(bitsPerSample))

	copy(header[36:40], "data")
	putLE32(header[40:44], uint32(dataSize))

	wav := make([]byte, 0, 44+len(pcm))
	wav = append(wav, header...)
	return append(wav, pcm...)
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
