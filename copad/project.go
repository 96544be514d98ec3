package copad

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Project owns a file system and the connected client list for one loaded
// project incarnation. Identity history of departed users is retained so a
// reconnecting user inherits its authorship lineage.
type Project struct {
	Name string

	stateLock   sync.Mutex
	authState   string
	metadata    map[string]string
	fs          *FileSystem
	clients     []*Client
	formerUsers []*UserSummary
	// identity -> authoritative authorship lineage for currently connected
	// sessions of that identity
	identityAuthors map[string]Id
}

func NewProject(name string, fs *FileSystem) *Project {
	return &Project{
		Name:            name,
		metadata:        map[string]string{},
		fs:              fs,
		clients:         []*Client{},
		formerUsers:     []*UserSummary{},
		identityAuthors: map[string]Id{},
	}
}

func (self *Project) Fs() *FileSystem {
	return self.fs
}

func (self *Project) AuthState() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.authState
}

func (self *Project) SetAuthState(authState string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.authState = authState
}

// MergeMetadata reconciles freshly authenticated metadata into a loaded
// project without dropping connected clients.
func (self *Project) MergeMetadata(metadata map[string]string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for k, v := range metadata {
		self.metadata[k] = v
	}
}

func (self *Project) Metadata() map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	metadata := map[string]string{}
	for k, v := range self.metadata {
		metadata[k] = v
	}
	return metadata
}

// AddClient attaches a connected client under the given identity. A user
// returning with the same identity reattaches its former authorship lineage.
// Concurrent same-identity sessions get a numeric discriminator; the first
// connected session is primary.
func (self *Project) AddClient(client *Client, user *UserSummary) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, former := range self.formerUsers {
		if former.Identity() == user.Identity() {
			user.AuthorId = former.AuthorId
			self.formerUsers = slices.Delete(self.formerUsers, i, i+1)
			break
		}
	}

	sameIdentity := 0
	for _, other := range self.clients {
		if other.User() != nil && other.User().Identity() == user.Identity() {
			sameIdentity += 1
		}
	}

	name := user.Name
	primary := sameIdentity == 0
	if primary {
		self.identityAuthors[user.Identity()] = user.AuthorId
	} else {
		name = fmt.Sprintf("%s(%d)", user.Name, sameIdentity+1)
		// secondary sessions author under their own lineage
		user = &UserSummary{
			AuthorId: NewId(),
			Name:     user.Name,
			Email:    user.Email,
		}
	}

	client.setIdentity(self, user, name, primary)
	self.clients = append(self.clients, client)
}

// RemoveClient detaches a client and returns the number remaining. When the
// last session of an identity leaves, its summary moves to the former-user
// history.
func (self *Project) RemoveClient(client *Client) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.clients, client)
	if i < 0 {
		return len(self.clients)
	}
	self.clients = slices.Delete(self.clients, i, i+1)

	user := client.User()
	if user != nil {
		remaining := false
		for _, other := range self.clients {
			if other.User() != nil && other.User().Identity() == user.Identity() {
				remaining = true
				break
			}
		}
		if !remaining {
			// the identity's history keeps the primary lineage, whichever
			// session happened to leave last
			authorId := user.AuthorId
			if lineage, ok := self.identityAuthors[user.Identity()]; ok {
				authorId = lineage
			}
			delete(self.identityAuthors, user.Identity())
			self.formerUsers = append(self.formerUsers, &UserSummary{
				AuthorId: authorId,
				Name:     user.Name,
				Email:    user.Email,
			})
		}
	}
	return len(self.clients)
}

func (self *Project) Clients() []*Client {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	clients := make([]*Client, len(self.clients))
	copy(clients, self.clients)
	return clients
}

func (self *Project) Users() []*UserSummary {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	users := []*UserSummary{}
	for _, client := range self.clients {
		if client.User() != nil {
			users = append(users, client.User())
		}
	}
	return users
}

// Broadcast fans a frame out to every connected client except one.
func (self *Project) Broadcast(exceptId Id, event string, payload any) {
	for _, client := range self.Clients() {
		if client.Id == exceptId {
			continue
		}
		client.Send(event, payload)
	}
}

// Client is one connection's session state. Created on socket accept,
// destroyed on disconnect; owns exactly one connection.
type Client struct {
	Id Id

	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	settings *ServiceSettings

	// serializes direct connection writes with the write pump
	writeLock sync.Mutex

	send   chan []byte
	chunks *ChunkBuffer

	stateLock      sync.Mutex
	project        *Project
	user           *UserSummary
	name           string
	primary        bool
	activePathname string
	verified       bool
	identified     bool
	protocolErrors int
	pongTime       time.Time
}

func newClient(ctx context.Context, conn *websocket.Conn, settings *ServiceSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Client{
		Id:       NewId(),
		ctx:      cancelCtx,
		cancel:   cancel,
		conn:     conn,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
		chunks:   NewChunkBufferWithDefaults(),
		pongTime: time.Now(),
	}
}

func (self *Client) setIdentity(project *Project, user *UserSummary, name string, primary bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.project = project
	self.user = user
	self.name = name
	self.primary = primary
	self.identified = true
}

func (self *Client) Project() *Project {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.project
}

func (self *Client) User() *UserSummary {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.user
}

func (self *Client) AuthorId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.user == nil {
		return Id{}
	}
	return self.user.AuthorId
}

func (self *Client) Name() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.name
}

func (self *Client) Primary() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.primary
}

func (self *Client) Identified() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.identified
}

func (self *Client) Verified() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.verified
}

func (self *Client) setVerified() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.verified = true
}

func (self *Client) ActivePathname() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.activePathname
}

func (self *Client) setActivePathname(pathname string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.activePathname = pathname
}

// countProtocolError tracks malformed traffic before identification.
// Returns true when the connection should be dropped.
func (self *Client) countProtocolError() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.identified {
		return false
	}
	self.protocolErrors += 1
	return self.settings.MaxProtocolErrors <= self.protocolErrors
}

func (self *Client) recordPong() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pongTime = time.Now()
}

func (self *Client) lastPong() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.pongTime
}

// Send encodes, chunks as needed, and queues a frame for the write pump.
// Returns false when the client is gone or backpressured past the timeout.
func (self *Client) Send(event string, payload any) bool {
	frameBytes, err := EncodeFrame(event, payload)
	if err != nil {
		glog.Infof("[client]%s encode %s error = %s\n", self.Id, event, err)
		return false
	}
	return self.SendBytes(frameBytes)
}

func (self *Client) SendBytes(frameBytes []byte) bool {
	messages, err := SplitFrame(frameBytes, self.settings.ChunkSize)
	if err != nil {
		glog.Infof("[client]%s chunk error = %s\n", self.Id, err)
		return false
	}
	for _, message := range messages {
		select {
		case <-self.ctx.Done():
			return false
		case self.send <- message:
		case <-time.After(self.settings.WriteTimeout):
			glog.Infof("[client]%s send backpressure, dropping\n", self.Id)
			return false
		}
	}
	return true
}

func (self *Client) SendError(err error) {
	self.Send(EventError, errorPayload(err))
}

// Close tears the connection down. Idempotent.
func (self *Client) Close() {
	self.cancel()
	self.conn.Close()
}

// CloseWithError writes the error frame directly, ahead of anything queued,
// then tears the connection down. The queued path cannot be used here since
// teardown races the write pump.
func (self *Client) CloseWithError(err error) {
	frameBytes, encodeErr := EncodeFrame(EventError, errorPayload(err))
	if encodeErr == nil {
		self.writeLock.Lock()
		self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		self.conn.WriteMessage(websocket.TextMessage, frameBytes)
		self.writeLock.Unlock()
	}
	self.Close()
}

// writePump drains the send queue onto the socket and keeps liveness: a ping
// frame every PingInterval, and a disconnect when the pong stays absent past
// PongTimeout.
func (self *Client) writePump() {
	defer self.Close()

	pingTicker := time.NewTicker(self.settings.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.send:
			if !ok {
				return
			}
			self.writeLock.Lock()
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := self.conn.WriteMessage(websocket.TextMessage, message)
			self.writeLock.Unlock()
			if err != nil {
				glog.Infof("[ws]%s-> error = %s\n", self.Id, err)
				return
			}
			glog.V(2).Infof("[ws]%s->\n", self.Id)
		case <-pingTicker.C:
			if self.settings.PingInterval+self.settings.PongTimeout < time.Since(self.lastPong()) {
				glog.Infof("[ws]%s pong timeout\n", self.Id)
				return
			}
			pingBytes := RequireEncodeFrame(EventPing, &PingPayload{
				Timestamp: time.Now().UnixMilli(),
			})
			self.writeLock.Lock()
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := self.conn.WriteMessage(websocket.TextMessage, pingBytes)
			self.writeLock.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readPump reads frames off the socket, reassembling chunks, and hands each
// complete frame to the handler.
func (self *Client) readPump(handle func(client *Client, frame *Frame)) {
	defer self.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.conn.ReadMessage()
		if err != nil {
			glog.Infof("[ws]%s<- error = %s\n", self.Id, err)
			return
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[ws]%s<- other=%d\n", self.Id, messageType)
			continue
		}

		frame, err := DecodeFrame(message)
		if err != nil {
			glog.Infof("[ws]%s<- bad frame = %s\n", self.Id, err)
			if self.countProtocolError() {
				return
			}
			continue
		}

		if frame.Event == EventChunk {
			payload := &ChunkPayload{}
			if err := frame.Decode(payload); err != nil {
				if self.countProtocolError() {
					return
				}
				continue
			}
			frameBytes, err := self.chunks.Add(payload)
			if err != nil {
				glog.Infof("[ws]%s<- chunk error = %s\n", self.Id, err)
				if self.countProtocolError() {
					return
				}
				continue
			}
			if frameBytes == nil {
				continue
			}
			frame, err = DecodeFrame(frameBytes)
			if err != nil {
				if self.countProtocolError() {
					return
				}
				continue
			}
		}

		glog.V(2).Infof("[ws]%s<- %s\n", self.Id, frame.Event)
		handle(self, frame)
	}
}
