package session

import (
	"strings"

	"github.com/softwind/echowire/pkg/protocol"
)

// emotionTable maps emoji the model tends to emit to the device's named
// expressions. First match in assistant text wins.
var emotionTable = []struct {
	marker  string
	emotion string
}{
	{"😂", "laughing"},
	{"😆", "laughing"},
	{"😄", "happy"},
	{"😊", "happy"},
	{"🙂", "happy"},
	{"😍", "loving"},
	{"❤", "loving"},
	{"😢", "sad"},
	{"😭", "crying"},
	{"😡", "angry"},
	{"😱", "shocked"},
	{"😮", "surprised"},
	{"🤔", "thinking"},
	{"😴", "sleepy"},
	{"😎", "cool"},
	{"😉", "winking"},
}

// DetectEmotion derives the expression hint sent alongside each assistant
// turn. Text without a recognized marker reads as neutral.
func DetectEmotion(text string) protocol.Emotion {
	for _, e := range emotionTable {
		if strings.Contains(text, e.marker) {
			return protocol.NewEmotion(e.emotion)
		}
	}
	if strings.ContainsAny(text, "!！") {
		return protocol.NewEmotion("happy")
	}
	return protocol.NewEmotion("neutral")
}
