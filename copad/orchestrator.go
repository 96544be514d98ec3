package copad

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServiceSettings struct {
	ChunkSize         ByteCount
	PingInterval      time.Duration
	PongTimeout       time.Duration
	VerifyTimeout     time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	DebounceDelay     time.Duration
	PollInterval      time.Duration
	SendBufferSize    int
	MaxProtocolErrors int
	LogSettings       *TextLogSettings
}

func DefaultServiceSettings() *ServiceSettings {
	return &ServiceSettings{
		ChunkSize:         kib(256),
		PingInterval:      10 * time.Second,
		PongTimeout:       5 * time.Second,
		VerifyTimeout:     30 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadTimeout:       60 * time.Second,
		DebounceDelay:     10 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		SendBufferSize:    32,
		MaxProtocolErrors: 8,
		LogSettings:       DefaultTextLogSettings(),
	}
}

// SaveAction is a save-like administrative action queued through a project's
// save queue so it serializes with filesystem saves.
type SaveAction struct {
	Name    string
	Execute func(ctx context.Context) error
}

// queue state per project name. This outlives the Project instance so
// overlapping open/close races stay observable and serializable. All
// mutation happens under the service state lock, never across a suspension
// point.
type projectQueueState struct {
	downloading    bool
	closing        bool
	saving         bool
	saveScheduled  bool
	lastAuthState  string
	savePending    bool
	pendingActions []*SaveAction
}

// CustomHandlerFunc handles a consumer-extension event under the custom
// event prefix.
type CustomHandlerFunc func(client *Client, frame *Frame)

// Service is the project/session orchestrator: the registry of loaded
// projects and connected participants, and the per-project single-flight
// queues for download, restore, save and close.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	hooks    *Hooks
	settings *ServiceSettings

	stateLock      sync.Mutex
	projects       map[string]*Project
	queueStates    map[string]*projectQueueState
	customHandlers map[string]CustomHandlerFunc
}

func NewServiceWithDefaults(ctx context.Context, hooks *Hooks) *Service {
	return NewService(ctx, hooks, DefaultServiceSettings())
}

func NewService(ctx context.Context, hooks *Hooks, settings *ServiceSettings) *Service {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:            cancelCtx,
		cancel:         cancel,
		hooks:          hooks,
		settings:       settings,
		projects:       map[string]*Project{},
		queueStates:    map[string]*projectQueueState{},
		customHandlers: map[string]CustomHandlerFunc{},
	}
}

func (self *Service) Settings() *ServiceSettings {
	return self.settings
}

func (self *Service) Close() {
	self.cancel()
}

// RegisterCustomHandler installs a handler for one event under the custom
// event prefix. The name is the suffix after the prefix.
func (self *Service) RegisterCustomHandler(name string, handler CustomHandlerFunc) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.customHandlers[CustomEventPrefix+name] = handler
}

func (self *Service) Project(name string) *Project {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.projects[name]
}

// queueState returns the per-name queue state, creating it on first use.
// Callers hold the state lock.
func (self *Service) queueState(name string) *projectQueueState {
	queueState, ok := self.queueStates[name]
	if !ok {
		queueState = &projectQueueState{
			pendingActions: []*SaveAction{},
		}
		self.queueStates[name] = queueState
	}
	return queueState
}

// waitUntil polls the queue state for a condition at the poll interval.
// This is the single sanctioned flag-wait in the orchestrator.
func (self *Service) waitUntil(ctx context.Context, name string, cond func(queueState *projectQueueState) bool) error {
	for {
		self.stateLock.Lock()
		ok := cond(self.queueState(name))
		self.stateLock.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return self.ctx.Err()
		case <-time.After(self.settings.PollInterval):
		}
	}
}

// HandleConnection runs a newly accepted websocket connection: starts the
// pumps and the verification timeout, and blocks until the connection ends.
func (self *Service) HandleConnection(conn *websocket.Conn) {
	client := newClient(self.ctx, conn, self.settings)
	glog.V(2).Infof("[svc]accept %s\n", client.Id)

	go func() {
		select {
		case <-client.ctx.Done():
		case <-time.After(self.settings.VerifyTimeout):
			if !client.Verified() {
				glog.Infof("[svc]%s verify timeout\n", client.Id)
				client.Close()
			}
		}
	}()

	go client.writePump()
	client.readPump(self.handleFrame)

	self.disconnect(client)
}

// disconnect detaches a client from its project and triggers the close
// state machine when the project's client list empties.
func (self *Service) disconnect(client *Client) {
	client.Close()

	project := client.Project()
	if project == nil {
		return
	}

	remaining := project.RemoveClient(client)

	if self.hooks.ClientQuitHook != nil {
		self.hooks.ClientQuitHook(self.ctx, project.Name, client.Id)
	}

	// a silent client's pointers must not block compaction
	changed := project.Fs().DropClient(client.Id)
	for _, pathname := range changed {
		self.fireFileChange(project, pathname)
	}

	user := client.User()
	if user != nil {
		glog.V(2).Infof("[svc]%s quit %s\n", project.Name, user.Name)
	}
	project.Broadcast(client.Id, EventJoin, self.joinSummary(project))

	if remaining == 0 {
		go self.closeProject(project.Name)
	}
}

// fireFileChange reports a durable file's new content to the change hook and
// pushes it to clients watching the file without editing it.
func (self *Service) fireFileChange(project *Project, pathname string) {
	file := project.Fs().Get(pathname)
	if file == nil || file.IsBinary() {
		return
	}
	value, err := file.Log.Value()
	if err != nil {
		return
	}
	if self.hooks.FileChangeHook != nil {
		self.hooks.FileChangeHook(self.ctx, project.Name, pathname, value)
	}
	payload := &FilePayload{Pathname: pathname, Content: value}
	for _, client := range project.Clients() {
		if file.Watched(client.Id) {
			client.Send(EventFileChange, payload)
		}
	}
}

func validateProjectName(name string) error {
	if name == "" {
		return &ProtocolError{Event: EventVerify, Message: "empty project name"}
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return &ProtocolError{Event: EventVerify, Message: fmt.Sprintf("invalid project name %q", name)}
	}
	return nil
}

// openProject runs the open state machine for a verifying client:
// wait out a closing prior incarnation, authenticate, wait for the
// single-flight flags, then restore from cache or download fresh. A project
// already loaded in memory gets the fresh auth state merged in instead of
// being replaced.
func (self *Service) openProject(client *Client, verify *VerifyPayload) {
	name := verify.Project

	if err := validateProjectName(name); err != nil {
		client.CloseWithError(err)
		return
	}

	// never open while a prior incarnation is tearing down
	if err := self.waitUntil(client.ctx, name, func(queueState *projectQueueState) bool {
		return !queueState.closing
	}); err != nil {
		return
	}

	user, err := self.hooks.AuthenticateUser(self.ctx, verify.Token)
	if err != nil {
		glog.Infof("[svc]%s auth error = %s\n", name, err)
		client.CloseWithError(err)
		return
	}
	authState := ""
	if self.hooks.AuthenticateProject != nil {
		authState, err = self.hooks.AuthenticateProject(self.ctx, name, verify.Token)
		if err != nil {
			client.CloseWithError(err)
			return
		}
	}
	if authState == "" && self.hooks.ReadAuthenticatedState != nil {
		// tokens without embedded state fall back to the out-of-band read
		authState, err = self.hooks.ReadAuthenticatedState(self.ctx, name)
		if err != nil {
			client.CloseWithError(err)
			return
		}
	}
	client.setVerified()

	var project *Project
	for {
		if err := self.waitUntil(client.ctx, name, func(queueState *projectQueueState) bool {
			return !queueState.downloading && !queueState.closing && !queueState.saving
		}); err != nil {
			return
		}

		self.stateLock.Lock()
		queueState := self.queueState(name)
		if loaded, ok := self.projects[name]; ok && !queueState.closing {
			// merge the freshly authenticated state rather than replacing,
			// reconciling external changes without dropping clients. Attach
			// under the state lock so the close state machine sees the
			// client before deciding to evict.
			loaded.AddClient(client, user)
			self.stateLock.Unlock()
			loaded.SetAuthState(authState)
			project = loaded
			break
		}
		if queueState.downloading || queueState.closing || queueState.saving {
			// lost the race after resuming, go around
			self.stateLock.Unlock()
			continue
		}
		queueState.downloading = true
		restorable := queueState.lastAuthState == authState && queueState.lastAuthState != ""
		self.stateLock.Unlock()

		loaded, err := self.loadProject(name, authState, restorable)

		self.stateLock.Lock()
		queueState = self.queueState(name)
		queueState.downloading = false
		if err == nil {
			queueState.lastAuthState = authState
			self.projects[name] = loaded
			// registering and attaching must be atomic, or a concurrent
			// close could evict the empty incarnation
			loaded.AddClient(client, user)
		}
		self.stateLock.Unlock()

		if err != nil {
			glog.Infof("[svc]%s download error = %s\n", name, err)
			client.CloseWithError(&StorageError{Op: "download", Project: name, Err: err})
			return
		}
		project = loaded
		break
	}

	if self.hooks.FileWatchers != nil {
		for _, pathname := range self.hooks.FileWatchers(name) {
			if file := project.Fs().Get(pathname); file != nil {
				file.Watch(client.Id)
			}
		}
	}

	client.Send(EventIdentify, &IdentifyPayload{
		ClientId: client.Id,
		AuthorId: client.AuthorId(),
		Name:     client.Name(),
		Primary:  client.Primary(),
	})
	client.Send(EventJoin, self.joinPayload(project))
	project.Broadcast(client.Id, EventJoin, self.joinSummary(project))

	if self.hooks.ProjectOpenHook != nil {
		self.hooks.ProjectOpenHook(self.ctx, name)
	}
	glog.Infof("[svc]%s open %s as %s\n", name, client.Id, client.Name())
}

// loadProject produces the in-memory project either from the restore hook
// (cached incarnation with a matching auth state) or from a fresh download.
func (self *Service) loadProject(name string, authState string, restorable bool) (*Project, error) {
	var archive *Archive
	var err error
	if restorable && self.hooks.RestoreProject != nil {
		archive, err = self.hooks.RestoreProject(self.ctx, name)
	} else if self.hooks.DownloadProject != nil {
		archive, err = self.hooks.DownloadProject(self.ctx, name)
	}
	if err != nil {
		return nil, err
	}

	fs := NewFileSystem(self.settings.LogSettings)
	project := NewProject(name, fs)
	project.SetAuthState(authState)

	if archive != nil {
		if err := fs.RestoreArchive(archive); err != nil {
			return nil, err
		}
		project.MergeMetadata(archive.Metadata)
	}

	if len(fs.Paths()) == 0 && self.hooks.DefaultProjectFiles != nil {
		defaults, err := self.hooks.DefaultProjectFiles(self.ctx, name)
		if err != nil {
			return nil, err
		}
		for pathname, content := range defaults {
			if _, err := fs.Create(pathname, []byte(content), false); err != nil {
				return nil, err
			}
		}
	}

	if self.hooks.ReadonlyFiles != nil {
		for _, pathname := range self.hooks.ReadonlyFiles(name) {
			if file := fs.Get(pathname); file != nil {
				file.ReadOnly = true
			}
		}
	}

	for _, file := range self.committableFiles(project) {
		if _, err := file.Commit(); err != nil {
			return nil, err
		}
	}

	return project, nil
}

func (self *Service) committableFiles(project *Project) []*File {
	files := []*File{}
	for _, pathname := range project.Fs().Paths() {
		file := project.Fs().Get(pathname)
		if file != nil && !file.IsBinary() {
			files = append(files, file)
		}
	}
	return files
}

func (self *Service) joinPayload(project *Project) *JoinPayload {
	payload := self.joinSummary(project)

	if self.hooks.FileWatchers != nil {
		watched := map[string]string{}
		for _, pathname := range self.hooks.FileWatchers(project.Name) {
			file := project.Fs().Get(pathname)
			if file == nil || file.IsBinary() {
				continue
			}
			value, err := file.Log.Value()
			if err != nil {
				continue
			}
			watched[pathname] = value
		}
		payload.WatchedFiles = watched
	}
	if self.hooks.DefaultOpenFilename != nil {
		payload.OpenPathname = self.hooks.DefaultOpenFilename(project.Name)
	}
	return payload
}

func (self *Service) joinSummary(project *Project) *JoinPayload {
	return &JoinPayload{
		Project:  project.Name,
		Metadata: project.Metadata(),
		Paths:    project.Fs().Paths(),
		Users:    project.Users(),
	}
}

// SaveProject queues a filesystem save for the project. Bursts inside the
// debounce window coalesce into a single upload; only the most recent
// pending save is honored each drain pass.
func (self *Service) SaveProject(name string) {
	self.stateLock.Lock()
	queueState := self.queueState(name)
	queueState.savePending = true
	scheduled := queueState.saveScheduled || queueState.saving
	if !scheduled {
		queueState.saveScheduled = true
	}
	self.stateLock.Unlock()

	if !scheduled {
		go self.drainSaves(name)
	}
}

// QueueSaveAction queues a save-like administrative action behind the same
// per-project single-flight queue as filesystem saves.
func (self *Service) QueueSaveAction(name string, action *SaveAction) {
	self.stateLock.Lock()
	queueState := self.queueState(name)
	queueState.pendingActions = append(queueState.pendingActions, action)
	scheduled := queueState.saveScheduled || queueState.saving
	if !scheduled {
		queueState.saveScheduled = true
	}
	self.stateLock.Unlock()

	if !scheduled {
		go self.drainSaves(name)
	}
}

// drainSaves is the per-project dequeue loop: debounce, mark saving, then
// drain both queues until empty, since new requests arrive while a save is
// in flight. Actions run in last-in order and the whole action queue is
// flushed on first failure. On completion, broadcast the result and clear
// the saving flag.
func (self *Service) drainSaves(name string) {
	select {
	case <-self.ctx.Done():
		return
	case <-time.After(self.settings.DebounceDelay):
	}

	self.stateLock.Lock()
	queueState := self.queueState(name)
	queueState.saveScheduled = false
	if queueState.saving {
		// the running drain picks the new work up
		self.stateLock.Unlock()
		return
	}
	queueState.saving = true
	self.stateLock.Unlock()

	var finalErr error
	for {
		self.stateLock.Lock()
		queueState = self.queueState(name)
		savePending := queueState.savePending
		actions := queueState.pendingActions
		if !savePending && len(actions) == 0 {
			queueState.saving = false
			self.stateLock.Unlock()
			break
		}
		queueState.savePending = false
		queueState.pendingActions = []*SaveAction{}
		self.stateLock.Unlock()

		for i := len(actions) - 1; 0 <= i; i -= 1 {
			if finalErr != nil {
				// flush the queue rather than compound the error
				glog.Infof("[save]%s action %s flushed\n", name, actions[i].Name)
				continue
			}
			if err := actions[i].Execute(self.ctx); err != nil {
				glog.Infof("[save]%s action %s error = %s\n", name, actions[i].Name, err)
				finalErr = err
			}
		}

		if savePending && finalErr == nil {
			if err := self.uploadProject(name); err != nil {
				glog.Infof("[save]%s upload error = %s\n", name, err)
				finalErr = err
			}
		}
	}

	project := self.Project(name)
	if project == nil {
		return
	}
	if finalErr != nil {
		project.Broadcast(Id{}, EventSaveError, &SaveResultPayload{
			Project: name,
			Message: finalErr.Error(),
		})
	} else {
		project.Broadcast(Id{}, EventSaveComplete, &SaveResultPayload{
			Project: name,
		})
	}
}

func (self *Service) uploadProject(name string) error {
	project := self.Project(name)
	if project == nil {
		return fmt.Errorf("project %s is not loaded", name)
	}
	archive, err := project.Fs().Archive(name)
	if err != nil {
		return err
	}
	archive.AuthState = project.AuthState()
	archive.Metadata = project.Metadata()

	if self.hooks.UploadProject != nil {
		if err := self.hooks.UploadProject(self.ctx, name, archive); err != nil {
			// in-memory state is left unchanged so the user can retry
			return &StorageError{Op: "upload", Project: name, Err: err}
		}
	}

	// the saved text is now the committed state
	for _, file := range self.committableFiles(project) {
		if _, err := file.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// closeProject runs the close state machine: wait for in-flight
// download/save/close on the name, mark closing, back up, run the cleanup
// hook, evict, clear closing. A failed backup never wedges the close.
func (self *Service) closeProject(name string) {
	// a save still in its debounce window counts as in flight: evicting
	// first would drop it without a result broadcast
	idle := func(queueState *projectQueueState) bool {
		return !queueState.downloading && !queueState.saving && !queueState.closing &&
			!queueState.saveScheduled && !queueState.savePending &&
			len(queueState.pendingActions) == 0
	}
	if err := self.waitUntil(self.ctx, name, idle); err != nil {
		return
	}

	self.stateLock.Lock()
	queueState := self.queueState(name)
	project := self.projects[name]
	if project == nil {
		self.stateLock.Unlock()
		return
	}
	if !idle(queueState) {
		// lost the race after resuming, go around
		self.stateLock.Unlock()
		go self.closeProject(name)
		return
	}
	// a client may have joined while waiting
	if 0 < len(project.Clients()) {
		self.stateLock.Unlock()
		return
	}
	queueState.closing = true
	self.stateLock.Unlock()

	if self.hooks.BackupProject != nil {
		archive, err := project.Fs().Archive(name)
		if err == nil {
			archive.AuthState = project.AuthState()
			archive.Metadata = project.Metadata()
			err = self.hooks.BackupProject(self.ctx, name, archive)
		}
		if err != nil {
			// proceed with eviction regardless
			glog.Infof("[close]%s backup error = %s\n", name, err)
		}
	}

	if self.hooks.ProjectCloseHook != nil {
		self.hooks.ProjectCloseHook(self.ctx, name)
	}

	self.stateLock.Lock()
	delete(self.projects, name)
	queueState.closing = false
	self.stateLock.Unlock()

	glog.Infof("[close]%s evicted\n", name)
}
