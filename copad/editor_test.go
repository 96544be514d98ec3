package copad

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

// testReplica builds an editor with no connection; increments are fed to it
// directly and acks go nowhere.
func testReplica(ctx context.Context, logSettings *TextLogSettings) *Editor {
	cancelCtx, cancel := context.WithCancel(ctx)
	settings := DefaultEditorSettings()
	settings.LogSettings = logSettings
	return &Editor{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		chunks:   NewChunkBufferWithDefaults(),
		files:    map[string]*editorFile{},
	}
}

func feedIncrement(replica *Editor, pathname string, log *TextLog, since RevisionPtr) {
	adds, removes := log.SliceSince(since)
	replica.applyIncrement(&SyncPayload{
		Pathname:       pathname,
		ServerRevision: log.Ptr(),
		Operations:     Operations{Add: adds, Remove: removes},
	})
}

// a replica fed increments replays to the same text and cursors as the
// authoritative log, including after a tombstone of a multi-line edit that
// shifts later selections
func TestReplicaTombstoneEquivalence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewTextLogWithDefaults("a\nb\n")
	a1 := NewId()
	a2 := NewId()

	// a multi-line insert at the start of row 1 pushes "b" down to row 3
	target, err := server.Append(a1, NewAddOp(a1, OpInsert, OpArgs{Pos: 2, Text: "X\nY\n"}))
	assert.Equal(t, err, nil)
	_, err = server.Append(a2, NewAddOp(a2, OpSelect, OpArgs{Ranges: []SelectRange{
		{Start: SelectPos{Row: 3, Col: 0}, End: SelectPos{Row: 3, Col: 1}},
	}}))
	assert.Equal(t, err, nil)

	replica := testReplica(ctx, DefaultTextLogSettings())
	feedIncrement(replica, "f", server, RevisionPtr{Add: -1, Remove: -1})

	serverResult, err := server.Reconstruct(-1)
	assert.Equal(t, err, nil)
	value, cursors, err := replica.Reconstruct("f")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, serverResult.Value)
	assert.Equal(t, cursors, serverResult.Cursors)

	// the server tombstones the insert; the selection must collapse the same
	// way on both sides
	ptr := server.Ptr()
	_, err = server.Tombstone(target.Id)
	assert.Equal(t, err, nil)
	feedIncrement(replica, "f", server, ptr)

	serverResult, err = server.Reconstruct(-1)
	assert.Equal(t, err, nil)
	value, cursors, err = replica.Reconstruct("f")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "a\nb\n")
	assert.Equal(t, value, serverResult.Value)
	assert.Equal(t, cursors, serverResult.Cursors)
	assert.Equal(t, cursors[a2], []SelectRange{
		{Start: SelectPos{Row: 1, Col: 0}, End: SelectPos{Row: 1, Col: 1}},
	})
}

// when the server compacts and pushes the renumbered log, the replica
// rebuilds from the fresh seed and keeps converging
func TestReplicaReseedAfterCompaction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logSettings := &TextLogSettings{
		CacheGap:   5,
		MaxLogSize: 20,
		RetainSize: 10,
	}
	server := NewTextLog("", logSettings)
	a1 := NewId()

	replica := testReplica(ctx, logSettings)
	feedIncrement(replica, "f", server, RevisionPtr{Add: -1, Remove: -1})

	expect := ""
	reseeds := 0
	for i := 0; i < 30; i += 1 {
		text := string(rune('a' + i%26))
		ptr := server.Ptr()
		_, err := server.Append(a1, NewAddOp(a1, OpInsert, OpArgs{Pos: len([]rune(expect)), Text: text}))
		assert.Equal(t, err, nil)
		expect += text
		feedIncrement(replica, "f", server, ptr)

		compacted, err := server.CompactIfNeeded()
		assert.Equal(t, err, nil)
		if compacted {
			// the renumbered log goes out in full
			feedIncrement(replica, "f", server, RevisionPtr{Add: -1, Remove: -1})
			reseeds += 1
		}
	}
	assert.NotEqual(t, reseeds, 0)

	serverValue, err := server.Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, serverValue, expect)
	value, _, err := replica.Reconstruct("f")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, expect)
}
