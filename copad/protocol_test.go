package copad

import (
	"bytes"
	"encoding/json"
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFrameCodec(t *testing.T) {
	frameBytes, err := EncodeFrame(EventAck, &AckPayload{
		Pathname: "main.go",
		Revision: RevisionPtr{Add: 3, Remove: 1},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, bytes.HasPrefix(frameBytes, []byte(`["ack",`)), true)

	frame, err := DecodeFrame(frameBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Event, EventAck)

	payload := &AckPayload{}
	err = frame.Decode(payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, payload.Pathname, "main.go")
	assert.Equal(t, payload.Revision, RevisionPtr{Add: 3, Remove: 1})
}

// event names are JSON-escaped, not Go-escaped: a custom event name with
// runes outside the basic plane must still encode to valid JSON
func TestFrameEventEscaping(t *testing.T) {
	event := CustomEventPrefix + "\U0001F600.ping"
	frameBytes, err := EncodeFrame(event, &PingPayload{Timestamp: 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, json.Valid(frameBytes), true)

	frame, err := DecodeFrame(frameBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Event, event)
}

func TestFrameDecodeMalformed(t *testing.T) {
	for _, src := range []string{
		`{"event":"x"}`,
		`["only-one"]`,
		`["a","b","c"]`,
		`[1,{}]`,
		`not json`,
	} {
		_, err := DecodeFrame([]byte(src))
		_, ok := err.(*ProtocolError)
		assert.Equal(t, ok, true)
	}
}

func TestSplitFrameSmall(t *testing.T) {
	frameBytes := RequireEncodeFrame(EventPing, &PingPayload{Timestamp: 1})
	messages, err := SplitFrame(frameBytes, kib(256))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0], frameBytes)
}

func TestChunkReassembly(t *testing.T) {
	r := mathrand.New(mathrand.NewSource(3))

	payload := make([]byte, 5000)
	r.Read(payload)
	frameBytes := RequireEncodeFrame(CustomEventPrefix+"blob", payload)

	messages, err := SplitFrame(frameBytes, 1024)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1 < len(messages), true)

	chunks := make([]*ChunkPayload, len(messages))
	for i, message := range messages {
		frame, err := DecodeFrame(message)
		assert.Equal(t, err, nil)
		assert.Equal(t, frame.Event, EventChunk)
		chunk := &ChunkPayload{}
		assert.Equal(t, frame.Decode(chunk), nil)
		chunks[i] = chunk
	}

	// out of order delivery: only the final chunk completes the group
	order := r.Perm(len(chunks))
	buffer := NewChunkBufferWithDefaults()
	for i, j := range order {
		reassembled, err := buffer.Add(chunks[j])
		assert.Equal(t, err, nil)
		if i < len(order)-1 {
			assert.Equal(t, reassembled, nil)
		} else {
			assert.Equal(t, reassembled, frameBytes)
		}
	}

	// the group dispatched exactly once; a replayed chunk starts a fresh
	// incomplete group
	reassembled, err := buffer.Add(chunks[0])
	assert.Equal(t, err, nil)
	assert.Equal(t, reassembled, nil)
}

func TestChunkValidation(t *testing.T) {
	buffer := NewChunkBufferWithDefaults()

	_, err := buffer.Add(&ChunkPayload{Id: NewId(), Index: 2, Count: 2, Data: []byte("x")})
	_, ok := err.(*ProtocolError)
	assert.Equal(t, ok, true)

	_, err = buffer.Add(&ChunkPayload{Id: NewId(), Index: 0, Count: 0, Data: []byte("x")})
	_, ok = err.(*ProtocolError)
	assert.Equal(t, ok, true)

	// an inconsistent count drops the group
	groupId := NewId()
	_, err = buffer.Add(&ChunkPayload{Id: groupId, Index: 0, Count: 3, Data: []byte("x")})
	assert.Equal(t, err, nil)
	_, err = buffer.Add(&ChunkPayload{Id: groupId, Index: 1, Count: 2, Data: []byte("y")})
	_, ok = err.(*ProtocolError)
	assert.Equal(t, ok, true)
}

func TestChunkGroupTimeout(t *testing.T) {
	buffer := NewChunkBuffer(&ChunkBufferSettings{
		GroupTimeout: 20 * time.Millisecond,
	})

	groupId := NewId()
	_, err := buffer.Add(&ChunkPayload{Id: groupId, Index: 0, Count: 2, Data: []byte("ab")})
	assert.Equal(t, err, nil)

	time.Sleep(50 * time.Millisecond)

	// the stale group was expired, so the second chunk alone cannot
	// complete it
	reassembled, err := buffer.Add(&ChunkPayload{Id: groupId, Index: 1, Count: 2, Data: []byte("cd")})
	assert.Equal(t, err, nil)
	assert.Equal(t, reassembled, nil)
}

func TestSyncPayloadCodec(t *testing.T) {
	a1 := NewId()
	op := NewAddOp(a1, OpInsert, OpArgs{Pos: 2, Text: "hi"})
	op.Revision = 4

	payload1 := &SyncPayload{
		Pathname:       "main.go",
		ClientRevision: RevisionPtr{Add: 3, Remove: -1},
		ServerRevision: RevisionPtr{Add: 4, Remove: -1},
		Operations: Operations{
			Add:    []*AddOp{op},
			Remove: []*RemoveOp{{Revision: 0, Id: NewId()}},
		},
	}

	payloadJson, err := json.Marshal(payload1)
	assert.Equal(t, err, nil)

	payload2 := &SyncPayload{}
	err = json.Unmarshal(payloadJson, payload2)
	assert.Equal(t, err, nil)

	assert.Equal(t, payload2.Pathname, payload1.Pathname)
	assert.Equal(t, payload2.ClientRevision, payload1.ClientRevision)
	assert.Equal(t, len(payload2.Operations.Add), 1)
	assert.Equal(t, payload2.Operations.Add[0].Id, op.Id)
	assert.Equal(t, payload2.Operations.Add[0].Args.Text, "hi")
}
