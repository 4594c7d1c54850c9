package process

import (
	"strings"
	"unicode/utf8"
)

// chunkWriter turns raw pipe reads into UTF-8 text chunks. A multi-byte
// sequence split across reads is held back until it is complete.
// It is only written by the os/exec copy goroutine for one stream.
type chunkWriter struct {
	emit    func(string)
	pending []byte
}

func newChunkWriter(emit func(string)) *chunkWriter { return &chunkWriter{emit: emit} }

func (w *chunkWriter) Write(p []byte) (int, error) {
	buf := p
	if len(w.pending) > 0 {
		buf = append(w.pending, p...)
		w.pending = nil
	}
	cut := incompleteTail(buf)
	if cut < len(buf) {
		w.pending = append([]byte(nil), buf[cut:]...)
	}
	if cut > 0 {
		w.emit(strings.ToValidUTF8(string(buf[:cut]), "�"))
	}
	return len(p), nil
}

// Flush emits whatever is still held back.
func (w *chunkWriter) Flush() {
	if len(w.pending) == 0 {
		return
	}
	s := strings.ToValidUTF8(string(w.pending), "�")
	w.pending = nil
	w.emit(s)
}

// incompleteTail returns the index where a trailing incomplete UTF-8
// sequence starts, or len(b) if b does not end mid-rune.
func incompleteTail(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}
