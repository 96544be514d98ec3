package copad

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// wire message shape: an ordered pair [eventName, payload], utf-8 text
// encoded. Reserved events are listed below; consumer extensions live under
// the custom-event prefix.

const (
	EventVerify   = "verify"
	EventIdentify = "identify"
	EventError    = "error"
	EventPing     = "ping"
	EventPong     = "pong"
	EventChunk    = "chunk"

	EventJoin         = "project.join"
	EventSaveComplete = "project.save.complete"
	EventSaveError    = "project.save.error"

	EventFileOpen     = "file.open"
	EventFileActivate = "file.activate"
	EventFileClose    = "file.close"
	EventFileCreate   = "file.create"
	EventFileCopy     = "file.copy"
	EventFileMove     = "file.move"
	EventFileUnlink   = "file.unlink"
	EventFileUpload   = "file.upload"
	EventFileDownload = "file.download"
	EventFileSave     = "file.save"
	EventFileChange   = "file.change"

	EventSync = "sync"
	EventAck  = "ack"

	CustomEventPrefix = "custom."
)

type Frame struct {
	Event   string
	Payload json.RawMessage
}

func (self *Frame) MarshalJSON() ([]byte, error) {
	payload := self.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	// Go %q escaping is not JSON escaping for runes outside the BMP
	eventBytes, err := json.Marshal(self.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal([2]json.RawMessage{
		json.RawMessage(eventBytes),
		payload,
	})
}

func (self *Frame) UnmarshalJSON(src []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(src, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return &ProtocolError{Message: fmt.Sprintf("frame must be a pair, got %d elements", len(pair))}
	}
	if err := json.Unmarshal(pair[0], &self.Event); err != nil {
		return &ProtocolError{Message: "frame event name must be a string"}
	}
	self.Payload = pair[1]
	return nil
}

func EncodeFrame(event string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := &Frame{
		Event:   event,
		Payload: payloadBytes,
	}
	return json.Marshal(frame)
}

func RequireEncodeFrame(event string, payload any) []byte {
	b, err := EncodeFrame(event, payload)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		if _, ok := err.(*ProtocolError); ok {
			return nil, err
		}
		return nil, &ProtocolError{Message: err.Error()}
	}
	return frame, nil
}

func (self *Frame) Decode(payload any) error {
	if err := json.Unmarshal(self.Payload, payload); err != nil {
		return &ProtocolError{Event: self.Event, Message: err.Error()}
	}
	return nil
}

// payloads

type VerifyPayload struct {
	Project string `json:"project"`
	Token   string `json:"token"`
}

type IdentifyPayload struct {
	ClientId Id     `json:"clientId"`
	AuthorId Id     `json:"authorId"`
	Name     string `json:"name"`
	Primary  bool   `json:"primary"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorPayload(err error) *ErrorPayload {
	return &ErrorPayload{
		Code:    errorCode(err),
		Kind:    errorKind(err),
		Message: err.Error(),
	}
}

type Operations struct {
	Add    []*AddOp    `json:"add"`
	Remove []*RemoveOp `json:"remove"`
}

type SyncPayload struct {
	Pathname       string      `json:"pathname"`
	ClientRevision RevisionPtr `json:"clientRevision"`
	ServerRevision RevisionPtr `json:"serverRevision,omitempty"`
	Operations     Operations  `json:"operations"`
}

type AckPayload struct {
	Pathname string      `json:"pathname"`
	Revision RevisionPtr `json:"revision"`
}

type FilePayload struct {
	Pathname string `json:"pathname"`
	// destination for copy/move
	ToPathname string `json:"toPathname,omitempty"`
	// content for create/upload, reconstructed text for download responses
	Content   string `json:"content,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
}

type JoinPayload struct {
	Project      string            `json:"project"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Paths        []string          `json:"paths"`
	OpenPathname string            `json:"openPathname,omitempty"`
	// contents of watched files, per the file watcher hook
	WatchedFiles map[string]string `json:"watchedFiles,omitempty"`
	Users        []*UserSummary    `json:"users"`
}

type SaveResultPayload struct {
	Project string `json:"project"`
	Message string `json:"message,omitempty"`
}

type ChunkPayload struct {
	Id    Id     `json:"id"`
	Index int    `json:"index"`
	Count int    `json:"count"`
	Data  []byte `json:"data"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// chunking. Any single outbound frame over the ceiling is split into
// ordered chunks sharing a group id; the receiver buffers and dispatches the
// reassembled frame exactly once when all indices are present.

// SplitFrame returns the encoded frames to send for one logical frame:
// either the frame itself or its chunk frames.
func SplitFrame(frameBytes []byte, chunkSize ByteCount) ([][]byte, error) {
	if chunkSize <= 0 || ByteCount(len(frameBytes)) <= chunkSize {
		return [][]byte{frameBytes}, nil
	}

	groupId := NewId()
	count := (ByteCount(len(frameBytes)) + chunkSize - 1) / chunkSize
	frames := make([][]byte, 0, count)
	for i := ByteCount(0); i < count; i += 1 {
		start := i * chunkSize
		end := start + chunkSize
		if ByteCount(len(frameBytes)) < end {
			end = ByteCount(len(frameBytes))
		}
		chunkBytes, err := EncodeFrame(EventChunk, &ChunkPayload{
			Id:    groupId,
			Index: int(i),
			Count: int(count),
			Data:  frameBytes[start:end],
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, chunkBytes)
	}
	return frames, nil
}

type ChunkBufferSettings struct {
	// drop incomplete groups older than this
	GroupTimeout time.Duration
}

func DefaultChunkBufferSettings() *ChunkBufferSettings {
	return &ChunkBufferSettings{
		GroupTimeout: 60 * time.Second,
	}
}

type chunkGroup struct {
	parts     [][]byte
	received  int
	enterTime time.Time
}

// ChunkBuffer reassembles chunked frames per connection.
type ChunkBuffer struct {
	settings *ChunkBufferSettings

	stateLock sync.Mutex
	groups    map[Id]*chunkGroup
}

func NewChunkBufferWithDefaults() *ChunkBuffer {
	return NewChunkBuffer(DefaultChunkBufferSettings())
}

func NewChunkBuffer(settings *ChunkBufferSettings) *ChunkBuffer {
	return &ChunkBuffer{
		settings: settings,
		groups:   map[Id]*chunkGroup{},
	}
}

// Add buffers one chunk. When the group completes, the reassembled frame
// bytes are returned and the group is dropped so it cannot dispatch twice.
func (self *ChunkBuffer) Add(payload *ChunkPayload) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if payload.Count <= 0 || payload.Index < 0 || payload.Count <= payload.Index {
		return nil, &ProtocolError{
			Event:   EventChunk,
			Message: fmt.Sprintf("chunk index %d out of range for count %d", payload.Index, payload.Count),
		}
	}

	now := time.Now()
	for groupId, group := range self.groups {
		if self.settings.GroupTimeout < now.Sub(group.enterTime) {
			delete(self.groups, groupId)
		}
	}

	group, ok := self.groups[payload.Id]
	if !ok {
		group = &chunkGroup{
			parts:     make([][]byte, payload.Count),
			enterTime: now,
		}
		self.groups[payload.Id] = group
	}
	if len(group.parts) != payload.Count {
		delete(self.groups, payload.Id)
		return nil, &ProtocolError{
			Event:   EventChunk,
			Message: fmt.Sprintf("chunk count changed from %d to %d", len(group.parts), payload.Count),
		}
	}
	if group.parts[payload.Index] == nil {
		group.parts[payload.Index] = payload.Data
		group.received += 1
	}
	if group.received < len(group.parts) {
		return nil, nil
	}

	delete(self.groups, payload.Id)
	size := 0
	for _, part := range group.parts {
		size += len(part)
	}
	frameBytes := make([]byte, 0, size)
	for _, part := range group.parts {
		frameBytes = append(frameBytes, part...)
	}
	return frameBytes, nil
}
