// Package audio provides Opus frame handling: an incremental Ogg page parser,
// a PCM/Opus transcoder and a WAV header builder for ASR uploads.
package audio

import (
	"bytes"
)

const (
	oggCapturePattern = "OggS"
	oggHeaderSize     = 27

	// headerTypeContinued marks a page whose first segment continues the
	// final packet of the previous page.
	headerTypeContinued = 0x01
)

// OggReader incrementally extracts Opus packets from an Ogg byte stream.
// Feed may be called with arbitrary chunk boundaries; packets are only
// returned once complete, so concatenating the results of two Feed calls is
// identical to feeding the concatenated input.
type OggReader struct {
	buf     []byte
	partial []byte // packet spanning a page boundary
}

// Feed appends chunk to the internal buffer and returns all packets
// completed by it.
func (r *OggReader) Feed(chunk []byte) [][]byte {
	r.buf = append(r.buf, chunk...)

	var packets [][]byte
	for {
		page, consumed := r.nextPage()
		if consumed == 0 {
			break
		}
		r.buf = r.buf[consumed:]
		if page == nil {
			continue // skipped garbage
		}
		packets = append(packets, r.extractPackets(page)...)
	}
	return packets
}

// Buffered reports how many bytes are waiting for a complete page.
func (r *OggReader) Buffered() int { return len(r.buf) }

// Reset discards any buffered bytes and partial packet state.
func (r *OggReader) Reset() {
	r.buf = nil
	r.partial = nil
}

type oggPage struct {
	headerType byte
	lacing     []byte
	body       []byte
}

// nextPage returns the next complete page and the bytes to consume.
// A nil page with nonzero consumed means garbage was skipped.
func (r *OggReader) nextPage() (*oggPage, int) {
	if len(r.buf) < oggHeaderSize {
		return nil, 0
	}

	if !bytes.HasPrefix(r.buf, []byte(oggCapturePattern)) {
		// Resync: drop up to the next capture pattern.
		idx := bytes.Index(r.buf[1:], []byte(oggCapturePattern))
		if idx < 0 {
			keep := len(r.buf) - (len(oggCapturePattern) - 1)
			if keep < 0 {
				keep = 0
			}
			return nil, keep
		}
		return nil, idx + 1
	}

	segCount := int(r.buf[26])
	if len(r.buf) < oggHeaderSize+segCount {
		return nil, 0
	}

	lacing := r.buf[oggHeaderSize : oggHeaderSize+segCount]
	bodyLen := 0
	for _, l := range lacing {
		bodyLen += int(l)
	}

	total := oggHeaderSize + segCount + bodyLen
	if len(r.buf) < total {
		return nil, 0
	}

	page := &oggPage{
		headerType: r.buf[5],
		lacing:     append([]byte(nil), lacing...),
		body:       append([]byte(nil), r.buf[oggHeaderSize+segCount:total]...),
	}
	return page, total
}

func (r *OggReader) extractPackets(page *oggPage) [][]byte {
	var packets [][]byte

	cur := r.partial
	if page.headerType&headerTypeContinued == 0 && len(cur) > 0 {
		// Previous partial packet was never terminated; drop it.
		cur = nil
	}
	r.partial = nil

	offset := 0
	for _, l := range page.lacing {
		cur = append(cur, page.body[offset:offset+int(l)]...)
		offset += int(l)
		if l < 255 {
			packets = append(packets, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		r.partial = cur
	}
	return packets
}

// IsOpusHead reports whether a packet is the OpusHead identification header.
func IsOpusHead(packet []byte) bool {
	return bytes.HasPrefix(packet, []byte("OpusHead"))
}

// IsOpusTags reports whether a packet is the OpusTags comment header.
func IsOpusTags(packet []byte) bool {
	return bytes.HasPrefix(packet, []byte("OpusTags"))
}
