// Package logbuf keeps the bounded rolling output log of one broker.
package logbuf

import (
	"io"
	"sync"
	"unicode/utf8"
)

// Default bounds, in characters (runes). Once a buffer grows past
// DefaultUpper it is cut down to its trailing DefaultLower characters.
const (
	DefaultUpper = 100_000
	DefaultLower = 80_000
)

// Buffer is an append-only text buffer with a size cap that favours recency.
// Writes are expected from a single goroutine; Snapshot may be called from any.
type Buffer struct {
	mu    sync.RWMutex
	data  []byte
	runes int

	upper, lower int
	mirror       io.Writer
	onChange     func()
	onTruncate   func()
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithBounds overrides the truncation bounds. lower is clamped to upper.
func WithBounds(upper, lower int) Option {
	return func(b *Buffer) {
		if upper <= 0 {
			return
		}
		if lower <= 0 || lower > upper {
			lower = upper
		}
		b.upper, b.lower = upper, lower
	}
}

// WithMirror copies every appended chunk to w (for example a rotating file).
// Write errors on the mirror are ignored.
func WithMirror(w io.Writer) Option { return func(b *Buffer) { b.mirror = w } }

// WithOnChange registers fn to run after every Append and Clear.
func WithOnChange(fn func()) Option { return func(b *Buffer) { b.onChange = fn } }

// WithOnTruncate registers fn to run each time the cap trims the buffer.
func WithOnTruncate(fn func()) Option { return func(b *Buffer) { b.onTruncate = fn } }

func New(opts ...Option) *Buffer {
	b := &Buffer{upper: DefaultUpper, lower: DefaultLower}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Append adds text and enforces the cap.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	if b.mirror != nil {
		_, _ = io.WriteString(b.mirror, text)
	}

	b.mu.Lock()
	b.data = append(b.data, text...)
	b.runes += utf8.RuneCountInString(text)
	truncated := false
	if b.runes > b.upper {
		b.keepTail(b.lower)
		truncated = true
	}
	b.mu.Unlock()

	if truncated && b.onTruncate != nil {
		b.onTruncate()
	}
	if b.onChange != nil {
		b.onChange()
	}
}

// keepTail drops leading runes until n remain. Caller holds mu.
func (b *Buffer) keepTail(n int) {
	drop := b.runes - n
	off := 0
	for i := 0; i < drop; i++ {
		_, size := utf8.DecodeRune(b.data[off:])
		off += size
	}
	tail := make([]byte, len(b.data)-off, cap(b.data))
	copy(tail, b.data[off:])
	b.data = tail
	b.runes = n
}

// SetMirror replaces the mirror writer; nil disables mirroring. Like Append
// it must be called from the writing goroutine.
func (b *Buffer) SetMirror(w io.Writer) { b.mirror = w }

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.data = nil
	b.runes = 0
	b.mu.Unlock()
	if b.onChange != nil {
		b.onChange()
	}
}

// Snapshot returns the current contents. Later appends are not reflected.
func (b *Buffer) Snapshot() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.data)
}

// Len returns the length in characters.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runes
}

// Bounds returns the configured (upper, lower) limits.
func (b *Buffer) Bounds() (int, int) { return b.upper, b.lower }
