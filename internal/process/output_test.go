package process

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func evalDir(dir string) (string, error) {
	p, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return dir, err
	}
	return filepath.Clean(p), nil
}

func collect() (*chunkWriter, *[]string) {
	var chunks []string
	w := newChunkWriter(func(s string) { chunks = append(chunks, s) })
	return w, &chunks
}

func TestChunkWriterCarriesSplitRune(t *testing.T) {
	w, chunks := collect()
	b := []byte("aé") // é is two bytes
	_, _ = w.Write(b[:2])
	_, _ = w.Write(b[2:])
	assert.Equal(t, []string{"a", "é"}, *chunks)
}

func TestChunkWriterFlushReplacesInvalid(t *testing.T) {
	w, chunks := collect()
	_, _ = w.Write([]byte{'x', 0xE3, 0x81})
	w.Flush()
	assert.Equal(t, "x�", strings.Join(*chunks, ""))
}

func TestChunkWriterInvalidMidStream(t *testing.T) {
	w, chunks := collect()
	_, _ = w.Write([]byte{'a', 0xFF, 'b'})
	assert.Equal(t, "a�b", strings.Join(*chunks, ""))
}

func TestChunkWriterPreservesText(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		raw := []byte(text)
		w, chunks := collect()
		for len(raw) > 0 {
			n := rapid.IntRange(1, len(raw)).Draw(t, "n")
			_, _ = w.Write(raw[:n])
			raw = raw[n:]
		}
		w.Flush()
		if got := strings.Join(*chunks, ""); got != text {
			t.Fatalf("got %q want %q", got, text)
		}
		for _, c := range *chunks {
			if c == "" {
				t.Fatalf("empty chunk emitted")
			}
		}
	})
}
