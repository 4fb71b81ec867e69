package session

import "strings"

// Punctuation tables for the sentence segmenter. Exposed as data so
// languages can extend them without touching the scan loop.
var (
	// terminalPunct hard-breaks a sentence, unless preceded by a digit
	// (keeps decimals like "3.14" intact).
	terminalPunct = map[rune]bool{
		'.': true, '!': true, '?': true, ';': true,
		'。': true, '！': true, '？': true, '；': true,
	}

	// softBreakPunct may break only the very first sentence of a turn,
	// so the device starts speaking sooner.
	softBreakPunct = map[rune]bool{
		',': true, '，': true,
	}
)

// Segmenter splits an LLM token stream into sentences. One instance
// serves one turn; firstEmitted tracks the soft-break window.
type Segmenter struct {
	buf          []rune
	firstEmitted bool
}

func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

// Feed consumes a text delta and returns the sentences it completes.
func (g *Segmenter) Feed(text string) []string {
	var out []string
	for _, r := range text {
		g.buf = append(g.buf, r)

		if terminalPunct[r] && !g.prevIsDigit() {
			if s := g.cut(); s != "" {
				out = append(out, s)
			}
			continue
		}

		if !g.firstEmitted && softBreakPunct[r] {
			if s := g.cut(); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// prevIsDigit reports whether the rune before the just-appended one is a
// decimal digit.
func (g *Segmenter) prevIsDigit() bool {
	if len(g.buf) < 2 {
		return false
	}
	r := g.buf[len(g.buf)-2]
	return r >= '0' && r <= '9'
}

func (g *Segmenter) cut() string {
	s := strings.TrimSpace(string(g.buf))
	g.buf = g.buf[:0]
	if s != "" {
		g.firstEmitted = true
	}
	return s
}

// Flush returns the unterminated remainder at end of stream.
func (g *Segmenter) Flush() string {
	s := strings.TrimSpace(string(g.buf))
	g.buf = g.buf[:0]
	return s
}
