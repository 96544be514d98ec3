package copad

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

// Editor is the client side of the reconciliation protocol: it keeps a
// replica of each open file's log plus locally pending operations tagged
// with the pending revision, and replays server increments into the replica
// on confirmation. Reconnects resubmit whatever is still pending.

type EditorSettings struct {
	Url     string
	Project string
	Token   string

	ChunkSize      ByteCount
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	DialTimeout    time.Duration
	MaxReconnect   time.Duration
	SendBufferSize int

	LogSettings *TextLogSettings

	// called with the replayed text after every applied increment
	ChangeCallback func(pathname string, value string, cursors map[Id][]SelectRange)
	JoinCallback   func(join *JoinPayload)
	ErrorCallback  func(errorPayload *ErrorPayload)
}

func DefaultEditorSettings() *EditorSettings {
	return &EditorSettings{
		ChunkSize:      kib(256),
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		DialTimeout:    5 * time.Second,
		MaxReconnect:   30 * time.Second,
		SendBufferSize: 32,
		LogSettings:    DefaultTextLogSettings(),
	}
}

type editorFile struct {
	log            *TextLog
	pending        []*AddOp
	pendingRemoves []*RemoveOp
	// undone pending-or-confirmed ops eligible for redo
	future []*AddOp
	ptr    RevisionPtr
}

type Editor struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *EditorSettings

	chunks *ChunkBuffer

	stateLock  sync.Mutex
	conn       *websocket.Conn
	clientId   Id
	authorId   Id
	name       string
	primary    bool
	identified bool
	files      map[string]*editorFile
}

func NewEditorWithDefaults(ctx context.Context, url string, project string, token string) *Editor {
	settings := DefaultEditorSettings()
	settings.Url = url
	settings.Project = project
	settings.Token = token
	return NewEditor(ctx, settings)
}

func NewEditor(ctx context.Context, settings *EditorSettings) *Editor {
	cancelCtx, cancel := context.WithCancel(ctx)
	editor := &Editor{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		chunks:   NewChunkBufferWithDefaults(),
		files:    map[string]*editorFile{},
	}
	go editor.run()
	return editor
}

func (self *Editor) Close() {
	self.cancel()
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (self *Editor) ClientId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.clientId
}

func (self *Editor) AuthorId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.authorId
}

func (self *Editor) Identified() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.identified
}

// run dials, hands the handshake, and processes frames until disconnect,
// then backs off and reconnects. Pending operations survive the reconnect
// and are resubmitted after the handshake.
func (self *Editor) run() {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.MaxInterval = self.settings.MaxReconnect
	reconnect.MaxElapsedTime = 0

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		err := backoff.Retry(func() error {
			return self.connect()
		}, backoff.WithContext(reconnect, self.ctx))
		if err != nil {
			return
		}

		self.readLoop()

		self.stateLock.Lock()
		self.identified = false
		if self.conn != nil {
			self.conn.Close()
			self.conn = nil
		}
		self.stateLock.Unlock()

		reconnect.Reset()
	}
}

func (self *Editor) connect() error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.DialTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.settings.Url, nil)
	if err != nil {
		glog.V(2).Infof("[editor]dial error = %s\n", err)
		return err
	}

	self.stateLock.Lock()
	self.conn = conn
	self.stateLock.Unlock()

	return self.sendFrame(EventVerify, &VerifyPayload{
		Project: self.settings.Project,
		Token:   self.settings.Token,
	})
}

func (self *Editor) sendFrame(event string, payload any) error {
	frameBytes, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	messages, err := SplitFrame(frameBytes, self.settings.ChunkSize)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn == nil {
		return &ProtocolError{Event: event, Message: "not connected"}
	}

	for _, message := range messages {
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return err
		}
	}
	return nil
}

func (self *Editor) readLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.stateLock.Lock()
		conn := self.conn
		self.stateLock.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[editor]<- error = %s\n", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := DecodeFrame(message)
		if err != nil {
			glog.Infof("[editor]<- bad frame = %s\n", err)
			continue
		}

		if frame.Event == EventChunk {
			payload := &ChunkPayload{}
			if err := frame.Decode(payload); err != nil {
				continue
			}
			frameBytes, err := self.chunks.Add(payload)
			if err != nil || frameBytes == nil {
				continue
			}
			frame, err = DecodeFrame(frameBytes)
			if err != nil {
				continue
			}
		}

		self.handleFrame(frame)
	}
}

func (self *Editor) handleFrame(frame *Frame) {
	switch frame.Event {
	case EventPing:
		self.sendFrame(EventPong, &PingPayload{Timestamp: time.Now().UnixMilli()})

	case EventIdentify:
		payload := &IdentifyPayload{}
		if err := frame.Decode(payload); err != nil {
			return
		}
		self.stateLock.Lock()
		self.clientId = payload.ClientId
		self.authorId = payload.AuthorId
		self.name = payload.Name
		self.primary = payload.Primary
		self.identified = true
		pathnames := maps.Keys(self.files)
		self.stateLock.Unlock()

		// reopen and resubmit after a reconnect
		for _, pathname := range pathnames {
			self.sendFrame(EventFileOpen, &FilePayload{Pathname: pathname})
			self.flush(pathname)
		}

	case EventJoin:
		payload := &JoinPayload{}
		if err := frame.Decode(payload); err != nil {
			return
		}
		if self.settings.JoinCallback != nil {
			self.settings.JoinCallback(payload)
		}

	case EventSync:
		payload := &SyncPayload{}
		if err := frame.Decode(payload); err != nil {
			return
		}
		self.applyIncrement(payload)

	case EventError:
		payload := &ErrorPayload{}
		if err := frame.Decode(payload); err != nil {
			return
		}
		glog.Infof("[editor]server error: %s\n", payload.Message)
		if self.settings.ErrorCallback != nil {
			self.settings.ErrorCallback(payload)
		}
	}
}

func (self *Editor) file(pathname string) *editorFile {
	file, ok := self.files[pathname]
	if !ok {
		// the replica starts empty so the server's Initialize lands at
		// revision 0 and index stays equal to revision throughout
		file = &editorFile{
			log:            RestoreTextLog([]*AddOp{}, []*RemoveOp{}, self.settings.LogSettings),
			pending:        []*AddOp{},
			pendingRemoves: []*RemoveOp{},
			future:         []*AddOp{},
			ptr:            RevisionPtr{Add: -1, Remove: -1},
		}
		self.files[pathname] = file
	}
	return file
}

// reseeded reports whether an increment restarts the log from a fresh
// Initialize entry, either the first tail for this file or a full push after
// the server compacted and renumbered.
func reseeded(log *TextLog, adds []*AddOp) bool {
	if len(adds) == 0 || adds[0].Name != OpInitialize || adds[0].Revision != 0 {
		return false
	}
	seedId, ok := log.SeedId()
	return !ok || seedId != adds[0].Id
}

// applyIncrement merges a server increment into the file replica, confirms
// any pending operations it contains, acknowledges the new pointer, and
// reports the replayed value.
func (self *Editor) applyIncrement(payload *SyncPayload) {
	self.stateLock.Lock()
	file := self.file(payload.Pathname)

	for _, op := range payload.Operations.Add {
		for i, pending := range file.pending {
			if pending.Id == op.Id {
				file.pending = append(file.pending[:i], file.pending[i+1:]...)
				break
			}
		}
	}
	for _, rm := range payload.Operations.Remove {
		for i, pending := range file.pendingRemoves {
			if pending.Id == rm.Id {
				file.pendingRemoves = append(file.pendingRemoves[:i], file.pendingRemoves[i+1:]...)
				break
			}
		}
	}

	if reseeded(file.log, payload.Operations.Add) {
		file.log = RestoreTextLog(payload.Operations.Add, payload.Operations.Remove, self.settings.LogSettings)
	} else if err := file.log.ApplyRemote(payload.Operations.Add, payload.Operations.Remove); err != nil {
		glog.Infof("[editor]%s apply error = %s\n", payload.Pathname, err)
	}
	file.ptr = payload.ServerRevision
	ptr := file.ptr
	self.stateLock.Unlock()

	self.sendFrame(EventAck, &AckPayload{
		Pathname: payload.Pathname,
		Revision: ptr,
	})

	if self.settings.ChangeCallback != nil {
		value, cursors, err := self.Reconstruct(payload.Pathname)
		if err == nil {
			self.settings.ChangeCallback(payload.Pathname, value, cursors)
		}
	}
}

// Reconstruct replays the replica plus the still-pending local operations.
func (self *Editor) Reconstruct(pathname string) (string, map[Id][]SelectRange, error) {
	self.stateLock.Lock()
	file := self.file(pathname)
	pending := make([]*AddOp, len(file.pending))
	copy(pending, file.pending)
	log := file.log
	self.stateLock.Unlock()

	result, err := log.Reconstruct(-1)
	if err != nil {
		return "", nil, err
	}
	value := result.Value
	for _, op := range pending {
		next, _, err := applyTransform(value, op)
		if err != nil {
			return "", nil, err
		}
		value = next
	}
	return value, result.Cursors, nil
}

// OpenFile subscribes to a file. The server responds with the full log
// tail, which seeds the replica.
func (self *Editor) OpenFile(pathname string) error {
	self.stateLock.Lock()
	self.file(pathname)
	self.stateLock.Unlock()

	return self.sendFrame(EventFileOpen, &FilePayload{Pathname: pathname})
}

func (self *Editor) ActivateFile(pathname string) error {
	return self.sendFrame(EventFileActivate, &FilePayload{Pathname: pathname})
}

func (self *Editor) CloseFile(pathname string) error {
	self.stateLock.Lock()
	delete(self.files, pathname)
	self.stateLock.Unlock()

	return self.sendFrame(EventFileClose, &FilePayload{Pathname: pathname})
}

func (self *Editor) CreateFile(pathname string, content string) error {
	return self.sendFrame(EventFileCreate, &FilePayload{Pathname: pathname, Content: content})
}

func (self *Editor) Save() error {
	return self.sendFrame(EventFileSave, &FilePayload{})
}

// Edit appends a local operation as pending and submits it. The operation
// stays pending until the server's increment confirms it.
func (self *Editor) Edit(pathname string, name string, args OpArgs) (*AddOp, error) {
	self.stateLock.Lock()
	op := NewAddOp(self.authorId, name, args)
	file := self.file(pathname)
	file.pending = append(file.pending, op)
	if undoable(name) {
		file.future = []*AddOp{}
	}
	self.stateLock.Unlock()

	if err := self.flush(pathname); err != nil {
		return op, err
	}
	return op, nil
}

func (self *Editor) Insert(pathname string, pos int, text string) (*AddOp, error) {
	return self.Edit(pathname, OpInsert, OpArgs{Pos: pos, Text: text})
}

func (self *Editor) Remove(pathname string, pos int, length int) (*AddOp, error) {
	return self.Edit(pathname, OpRemove, OpArgs{Pos: pos, Len: length})
}

func (self *Editor) Select(pathname string, ranges []SelectRange) (*AddOp, error) {
	return self.Edit(pathname, OpSelect, OpArgs{Ranges: ranges})
}

// Undo retracts this author's most recent undoable operation. A still
// pending operation is retracted locally; a confirmed one becomes a pending
// tombstone submission.
func (self *Editor) Undo(pathname string) error {
	self.stateLock.Lock()
	file := self.file(pathname)

	undone := false
	for i := len(file.pending) - 1; 0 <= i; i -= 1 {
		if undoable(file.pending[i].Name) {
			op := file.pending[i]
			file.pending = append(file.pending[:i], file.pending[i+1:]...)
			file.future = append(file.future, op)
			undone = true
			break
		}
	}
	if !undone {
		adds, _ := file.log.SliceSince(RevisionPtr{Add: -1, Remove: -1})
		for i := len(adds) - 1; 0 <= i; i -= 1 {
			op := adds[i]
			if op.AuthorId == self.authorId && undoable(op.Name) {
				file.pendingRemoves = append(file.pendingRemoves, &RemoveOp{Id: op.Id})
				file.future = append(file.future, &AddOp{
					Id:       op.Id,
					AuthorId: op.AuthorId,
					Name:     op.Name,
					Args:     op.Args,
				})
				undone = true
				break
			}
		}
	}
	self.stateLock.Unlock()

	if !undone {
		return nil
	}
	return self.flush(pathname)
}

// Redo resubmits the most recently undone operation under a fresh id.
func (self *Editor) Redo(pathname string) error {
	self.stateLock.Lock()
	file := self.file(pathname)
	if len(file.future) == 0 {
		self.stateLock.Unlock()
		return nil
	}
	undone := file.future[len(file.future)-1]
	file.future = file.future[:len(file.future)-1]
	name := undone.Name
	args := undone.Args
	self.stateLock.Unlock()

	_, err := self.Edit(pathname, name, args)
	return err
}

// flush submits everything pending for the file against the last
// acknowledged pointer.
func (self *Editor) flush(pathname string) error {
	self.stateLock.Lock()
	if !self.identified {
		self.stateLock.Unlock()
		return nil
	}
	file := self.file(pathname)
	if len(file.pending) == 0 && len(file.pendingRemoves) == 0 {
		self.stateLock.Unlock()
		return nil
	}
	payload := &SyncPayload{
		Pathname:       pathname,
		ClientRevision: file.ptr,
		Operations: Operations{
			Add:    append([]*AddOp{}, file.pending...),
			Remove: append([]*RemoveOp{}, file.pendingRemoves...),
		},
	}
	self.stateLock.Unlock()

	return self.sendFrame(EventSync, payload)
}
