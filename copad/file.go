package copad

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"golang.org/x/exp/maps"
)

// File is one entry of a project's in-memory file system. Text files own a
// TextLog; binary files only carry raw data. Per-client revision pointers
// track which clients have the file open and how much of the log each has
// acknowledged.
type File struct {
	Pathname     string
	ReadOnly     bool
	Temporary    bool
	TempPathname string

	Log *TextLog

	stateLock sync.Mutex
	// binary payload, nil for text files
	data []byte
	// last committed text, restored when the last client closes an
	// uncommitted non-durable file
	committed string
	// clientId -> acknowledged revision pointer, one entry per open
	clientPtrs map[Id]RevisionPtr
	// clients watching the file without necessarily editing it
	watchers map[Id]bool
}

func newTextFile(pathname string, content string, settings *TextLogSettings) *File {
	return &File{
		Pathname:   pathname,
		Log:        NewTextLog(content, settings),
		committed:  content,
		clientPtrs: map[Id]RevisionPtr{},
		watchers:   map[Id]bool{},
	}
}

func newBinaryFile(pathname string, data []byte) *File {
	return &File{
		Pathname:   pathname,
		data:       data,
		clientPtrs: map[Id]RevisionPtr{},
		watchers:   map[Id]bool{},
	}
}

func (self *File) IsBinary() bool {
	return self.Log == nil
}

// Durable files keep uncommitted edits across the last close and fire the
// change hook instead of resetting.
func (self *File) Durable() bool {
	return !self.Temporary && !self.ReadOnly
}

func (self *File) Data() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.data
}

func (self *File) Committed() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.committed
}

// Commit records the current reconstructed text as the saved state.
func (self *File) Commit() (string, error) {
	value, err := self.Log.Value()
	if err != nil {
		return "", err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.committed = value
	return value, nil
}

// Open registers a client on the file with a zero pointer.
func (self *File) Open(clientId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.clientPtrs[clientId]; !ok {
		self.clientPtrs[clientId] = RevisionPtr{Add: -1, Remove: -1}
	}
}

// Ack advances a client's acknowledged pointer. Pointers never regress.
func (self *File) Ack(clientId Id, ptr RevisionPtr) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	current, ok := self.clientPtrs[clientId]
	if !ok {
		return
	}
	if current.Add < ptr.Add {
		current.Add = ptr.Add
	}
	if current.Remove < ptr.Remove {
		current.Remove = ptr.Remove
	}
	self.clientPtrs[clientId] = current
}

// ResetPtrs zeroes every client's acknowledged pointer. Compaction renumbers
// revisions, so pointers acknowledged against the old numbering would starve
// their clients of increments.
func (self *File) ResetPtrs() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for clientId := range self.clientPtrs {
		self.clientPtrs[clientId] = RevisionPtr{Add: -1, Remove: -1}
	}
}

func (self *File) ClientPtr(clientId Id) (RevisionPtr, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ptr, ok := self.clientPtrs[clientId]
	return ptr, ok
}

func (self *File) OpenClientIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.clientPtrs)
}

// Close removes a client's pointer. Returns true when it was the last one,
// in which case the caller applies the discard-or-hook rule.
func (self *File) Close(clientId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.clientPtrs, clientId)
	return len(self.clientPtrs) == 0
}

// Discard resets the file's log to the last committed text, dropping all
// uncommitted edits and undo history.
func (self *File) Discard() {
	self.stateLock.Lock()
	committed := self.committed
	self.stateLock.Unlock()

	if self.Log != nil {
		self.Log = NewTextLog(committed, self.Log.Settings())
	}
}

func (self *File) Watch(clientId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.watchers[clientId] = true
}

func (self *File) Unwatch(clientId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.watchers, clientId)
}

func (self *File) Watched(clientId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.watchers[clientId]
}

// FileSystem is a project's path-keyed file store.
type FileSystem struct {
	logSettings *TextLogSettings

	stateLock sync.Mutex
	files     map[string]*File
}

func NewFileSystem(logSettings *TextLogSettings) *FileSystem {
	return &FileSystem{
		logSettings: logSettings,
		files:       map[string]*File{},
	}
}

func (self *FileSystem) Get(pathname string) *File {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.files[pathname]
}

func (self *FileSystem) Paths() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	paths := maps.Keys(self.files)
	sort.Strings(paths)
	return paths
}

// Create adds a text or binary file. Binary content is detected, not
// declared: invalid utf-8 or NUL bytes mean no operation log.
func (self *FileSystem) Create(pathname string, data []byte, temporary bool) (*File, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.files[pathname]; ok {
		return nil, fmt.Errorf("file already exists: %s", pathname)
	}
	var file *File
	if isBinary(data) {
		file = newBinaryFile(pathname, data)
	} else {
		file = newTextFile(pathname, string(data), self.logSettings)
	}
	file.Temporary = temporary
	self.files[pathname] = file
	return file, nil
}

func (self *FileSystem) Copy(pathname string, toPathname string) (*File, error) {
	self.stateLock.Lock()
	src, ok := self.files[pathname]
	_, exists := self.files[toPathname]
	self.stateLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("no such file: %s", pathname)
	}
	if exists {
		return nil, fmt.Errorf("file already exists: %s", toPathname)
	}

	var data []byte
	if src.IsBinary() {
		data = src.Data()
	} else {
		value, err := src.Log.Value()
		if err != nil {
			return nil, err
		}
		data = []byte(value)
	}
	return self.Create(toPathname, data, src.Temporary)
}

func (self *FileSystem) Move(pathname string, toPathname string) (*File, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	file, ok := self.files[pathname]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", pathname)
	}
	if _, exists := self.files[toPathname]; exists {
		return nil, fmt.Errorf("file already exists: %s", toPathname)
	}
	delete(self.files, pathname)
	if file.Temporary && file.TempPathname == "" {
		// remember where a promoted scratch file originally lived
		file.TempPathname = pathname
	}
	file.Pathname = toPathname
	self.files[toPathname] = file
	return file, nil
}

func (self *FileSystem) Unlink(pathname string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.files[pathname]; !ok {
		return fmt.Errorf("no such file: %s", pathname)
	}
	delete(self.files, pathname)
	return nil
}

// DropClient removes a departing client from every file, applying the
// last-close rule. Returns the pathnames of durable files whose last client
// left with uncommitted edits, for the change hook.
func (self *FileSystem) DropClient(clientId Id) []string {
	self.stateLock.Lock()
	files := maps.Values(self.files)
	self.stateLock.Unlock()

	changed := []string{}
	for _, file := range files {
		file.Unwatch(clientId)
		if _, ok := file.ClientPtr(clientId); !ok {
			continue
		}
		if !file.Close(clientId) {
			continue
		}
		if file.IsBinary() {
			continue
		}
		value, err := file.Log.Value()
		if err != nil {
			continue
		}
		if value == file.Committed() {
			continue
		}
		if file.Durable() {
			changed = append(changed, file.Pathname)
		} else {
			file.Discard()
		}
	}
	return changed
}

func isBinary(data []byte) bool {
	return !utf8.Valid(data) || bytes.IndexByte(data, 0) != -1
}

// ArchiveFile is the serializable form of one file, exchanged with the
// storage hooks.
type ArchiveFile struct {
	Content   string `json:"content,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Binary    bool   `json:"binary,omitempty"`
	ReadOnly  bool   `json:"readOnly,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
}

// Archive is the serializable form of a project.
type Archive struct {
	Name      string                  `json:"name"`
	AuthState string                  `json:"authState,omitempty"`
	Metadata  map[string]string       `json:"metadata,omitempty"`
	Files     map[string]*ArchiveFile `json:"files"`
}

// Archive snapshots the file system's committed state.
func (self *FileSystem) Archive(name string) (*Archive, error) {
	self.stateLock.Lock()
	files := map[string]*File{}
	for pathname, file := range self.files {
		files[pathname] = file
	}
	self.stateLock.Unlock()

	archive := &Archive{
		Name:  name,
		Files: map[string]*ArchiveFile{},
	}
	for pathname, file := range files {
		if file.Temporary {
			continue
		}
		entry := &ArchiveFile{
			ReadOnly:  file.ReadOnly,
			Temporary: file.Temporary,
		}
		if file.IsBinary() {
			entry.Binary = true
			entry.Data = file.Data()
		} else {
			value, err := file.Log.Value()
			if err != nil {
				return nil, err
			}
			entry.Content = value
		}
		archive.Files[pathname] = entry
	}
	return archive, nil
}

// RestoreArchive loads files from an archive into an empty file system.
func (self *FileSystem) RestoreArchive(archive *Archive) error {
	for pathname, entry := range archive.Files {
		var data []byte
		if entry.Binary {
			data = entry.Data
		} else {
			data = []byte(entry.Content)
		}
		file, err := self.Create(pathname, data, entry.Temporary)
		if err != nil {
			return err
		}
		file.ReadOnly = entry.ReadOnly
	}
	return nil
}
