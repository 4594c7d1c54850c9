package logbuf

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAppendBelowCapNeverTruncates(t *testing.T) {
	b := New()
	chunk := strings.Repeat("a", 50_000)
	b.Append(chunk)
	b.Append(chunk)
	assert.Equal(t, 100_000, b.Len())
	assert.Equal(t, chunk+chunk, b.Snapshot())
}

func TestTwoLargeAppendsKeepTrailing80k(t *testing.T) {
	b := New()
	first := strings.Repeat("x", 60_000)
	second := strings.Repeat("y", 59_999) + "z"
	b.Append(first)
	b.Append(second)

	all := first + second
	got := b.Snapshot()
	require.Equal(t, 80_000, len(got))
	assert.Equal(t, all[len(all)-80_000:], got)
	assert.Equal(t, 80_000, b.Len())
}

func TestTruncationCountsRunesNotBytes(t *testing.T) {
	b := New(WithBounds(10, 4))
	b.Append("ééééé")   // 5 runes, 10 bytes
	b.Append("日本語です!!") // 7 runes
	got := b.Snapshot()
	assert.Equal(t, 4, utf8.RuneCountInString(got))
	assert.Equal(t, "です!!", got)
	assert.True(t, utf8.ValidString(got))
}

func TestClearAndNotifications(t *testing.T) {
	changes, truncs := 0, 0
	b := New(WithBounds(5, 2), WithOnChange(func() { changes++ }), WithOnTruncate(func() { truncs++ }))
	b.Append("abc")
	b.Append("")
	b.Append("def")
	assert.Equal(t, 2, changes, "empty appends are ignored")
	assert.Equal(t, 1, truncs)
	assert.Equal(t, "ef", b.Snapshot())

	b.Clear()
	assert.Equal(t, 3, changes)
	assert.Equal(t, "", b.Snapshot())
	assert.Equal(t, 0, b.Len())
}

func TestMirrorReceivesEverything(t *testing.T) {
	var mirror bytes.Buffer
	b := New(WithBounds(4, 2), WithMirror(&mirror))
	b.Append("hello ")
	b.Append("world")
	assert.Equal(t, "hello world", mirror.String())
	assert.Equal(t, "ld", b.Snapshot())

	var next bytes.Buffer
	b.SetMirror(&next)
	b.Append("!")
	b.SetMirror(nil)
	b.Append("?")
	assert.Equal(t, "!", next.String())
	assert.Equal(t, "hello world", mirror.String())
}

func TestWithBoundsClamps(t *testing.T) {
	b := New(WithBounds(10, 50))
	u, l := b.Bounds()
	assert.Equal(t, 10, u)
	assert.Equal(t, 10, l)

	b = New(WithBounds(0, 5))
	u, l = b.Bounds()
	assert.Equal(t, DefaultUpper, u)
	assert.Equal(t, DefaultLower, l)
}

func TestSnapshotIsImmutable(t *testing.T) {
	b := New()
	b.Append("one")
	s := b.Snapshot()
	b.Append("two")
	assert.Equal(t, "one", s)
}

// The buffer always equals the suffix of everything appended since the last
// clear, never exceeds the upper bound, and is exactly lower long right after
// a truncation.
func TestAppendProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		upper := rapid.IntRange(1, 200).Draw(t, "upper")
		lower := rapid.IntRange(1, upper).Draw(t, "lower")
		b := New(WithBounds(upper, lower))

		var all []rune
		n := rapid.IntRange(1, 30).Draw(t, "n")
		for i := 0; i < n; i++ {
			chunk := rapid.StringN(0, 80, -1).Draw(t, "chunk")
			before := b.Len()
			b.Append(chunk)
			all = append(all, []rune(chunk)...)

			got := []rune(b.Snapshot())
			if len(got) > upper {
				t.Fatalf("buffer length %d exceeds upper %d", len(got), upper)
			}
			added := utf8.RuneCountInString(chunk)
			if before+added > upper {
				if len(got) != lower {
					t.Fatalf("after truncation length %d, want %d", len(got), lower)
				}
			} else if len(got) != before+added {
				t.Fatalf("no truncation expected: got %d want %d", len(got), before+added)
			}
			if string(got) != string(all[len(all)-len(got):]) {
				t.Fatalf("buffer is not a suffix of appended text")
			}
		}
	})
}
