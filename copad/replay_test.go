package copad

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

// two authors editing concurrently converge on the ordered log, and each
// author's cursor tracks the other's edits
func TestReplayTwoAuthors(t *testing.T) {
	log := NewTextLogWithDefaults("ab")
	a1 := NewId()
	a2 := NewId()

	_, err := log.Append(a1, NewAddOp(a1, OpInsert, OpArgs{Pos: 1, Text: "X"}))
	assert.Equal(t, err, nil)
	_, err = log.Append(a2, NewAddOp(a2, OpInsert, OpArgs{Pos: 0, Text: "Y"}))
	assert.Equal(t, err, nil)

	result, err := log.Reconstruct(-1)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Value, "YaXb")

	// a1's cursor collapsed after its insert at col 2, then shifted right by
	// a2's insert at the line start
	assert.Equal(t, result.Cursors[a1], []SelectRange{{
		Start: SelectPos{Row: 0, Col: 3},
		End:   SelectPos{Row: 0, Col: 3},
	}})
	assert.Equal(t, result.Cursors[a2], []SelectRange{{
		Start: SelectPos{Row: 0, Col: 1},
		End:   SelectPos{Row: 0, Col: 1},
	}})
}

func TestReplayRemoveCollapsesCursor(t *testing.T) {
	log := NewTextLogWithDefaults("abcdef")
	a1 := NewId()

	_, err := log.Append(a1, NewAddOp(a1, OpRemove, OpArgs{Pos: 2, Len: 3}))
	assert.Equal(t, err, nil)

	result, err := log.Reconstruct(-1)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Value, "abf")
	assert.Equal(t, result.Cursors[a1], []SelectRange{{
		Start: SelectPos{Row: 0, Col: 2},
		End:   SelectPos{Row: 0, Col: 2},
	}})
}

func TestReplayIndent(t *testing.T) {
	log := NewTextLogWithDefaults("a\nb\nc")
	a1 := NewId()

	_, err := log.Append(a1, NewAddOp(a1, OpIndent, OpArgs{StartRow: 0, EndRow: 2}))
	assert.Equal(t, err, nil)
	value, err := log.Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "\ta\n\tb\n\tc")

	_, err = log.Append(a1, NewAddOp(a1, OpIndent, OpArgs{StartRow: 0, EndRow: 2, Outdent: true}))
	assert.Equal(t, err, nil)
	value, err = log.Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "a\nb\nc")
}

// the comment operation toggles on the replayed value, so replaying twice
// from any seed stays deterministic
func TestReplayCommentToggle(t *testing.T) {
	log := NewTextLogWithDefaults("a\nb")
	a1 := NewId()

	_, err := log.Append(a1, NewAddOp(a1, OpComment, OpArgs{StartRow: 0, EndRow: 1}))
	assert.Equal(t, err, nil)
	value, err := log.Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "// a\n// b")

	_, err = log.Append(a1, NewAddOp(a1, OpComment, OpArgs{StartRow: 0, EndRow: 1}))
	assert.Equal(t, err, nil)
	value, err = log.Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "a\nb")

	// a mixed range comments every row
	_, err = log.Append(a1, NewAddOp(a1, OpComment, OpArgs{StartRow: 0, EndRow: 0}))
	assert.Equal(t, err, nil)
	_, err = log.Append(a1, NewAddOp(a1, OpComment, OpArgs{StartRow: 0, EndRow: 1}))
	assert.Equal(t, err, nil)
	value, err = log.Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "// // a\n// b")
}

// replay from interval-cached seeds must agree with a shadow document
// maintained edit by edit
func TestReplayCachedSeeds(t *testing.T) {
	r := mathrand.New(mathrand.NewSource(1))

	settings := DefaultTextLogSettings()
	settings.CacheGap = 5

	log := NewTextLog("seed", settings)
	a1 := NewId()
	shadow := "seed"

	for i := 0; i < 64; i += 1 {
		runes := []rune(shadow)
		if 0 < len(runes) && r.Intn(3) == 0 {
			pos := r.Intn(len(runes))
			length := 1 + r.Intn(3)
			_, err := log.Append(a1, NewAddOp(a1, OpRemove, OpArgs{Pos: pos, Len: length}))
			assert.Equal(t, err, nil)
			shadow, _ = TextRemove(shadow, pos, length)
		} else {
			pos := r.Intn(len(runes) + 1)
			text := string(rune('a' + r.Intn(26)))
			if r.Intn(4) == 0 {
				text = "x\ny"
			}
			_, err := log.Append(a1, NewAddOp(a1, OpInsert, OpArgs{Pos: pos, Text: text}))
			assert.Equal(t, err, nil)
			shadow, _ = TextInsert(shadow, pos, text)
		}

		value, err := log.Value()
		assert.Equal(t, err, nil)
		assert.Equal(t, value, shadow)
	}
}

func TestReplayUpto(t *testing.T) {
	log := NewTextLogWithDefaults("")
	a1 := NewId()

	for _, text := range []string{"a", "b", "c"} {
		pos := 0
		if text != "a" {
			pos = 1
		}
		_, err := log.Append(a1, NewAddOp(a1, OpInsert, OpArgs{Pos: pos, Text: text}))
		assert.Equal(t, err, nil)
	}

	result, err := log.Reconstruct(1)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Value, "a")

	result, err = log.Reconstruct(2)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Value, "ab")

	result, err = log.Reconstruct(-1)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Value, "acb")
}
