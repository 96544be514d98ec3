package copad

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// operation names. Insert, Remove, Indent and Comment are undoable; Select
// only records a participant's selection and is skipped transparently by
// undo/redo; Noop is what a neutralized entry becomes.
const (
	OpInitialize = "Initialize"
	OpInsert     = "Insert"
	OpRemove     = "Remove"
	OpIndent     = "Indent"
	OpComment    = "Comment"
	OpSelect     = "Select"
	OpNoop       = "Noop"
)

// PendingRevision tags a locally appended operation that the server has not
// ordered yet.
const PendingRevision = -1

func undoable(name string) bool {
	switch name {
	case OpInsert, OpRemove, OpIndent, OpComment:
		return true
	default:
		return false
	}
}

type OpArgs struct {
	Pos      int           `json:"pos,omitempty"`
	Text     string        `json:"text,omitempty"`
	Len      int           `json:"len,omitempty"`
	StartRow int           `json:"startRow,omitempty"`
	EndRow   int           `json:"endRow,omitempty"`
	Outdent  bool          `json:"outdent,omitempty"`
	Ranges   []SelectRange `json:"ranges,omitempty"`
}

// AddOp is one entry of the add log. Immutable once revision-assigned,
// except for in-place neutralization by Tombstone. Value and Cursors are the
// cached replay seed, present only on cache-interval or force-cached entries.
type AddOp struct {
	Revision int                  `json:"revision"`
	Id       Id                   `json:"id"`
	AuthorId Id                   `json:"authorId"`
	Name     string               `json:"name"`
	Args     OpArgs               `json:"args"`
	Value    *string              `json:"value,omitempty"`
	Cursors  map[Id][]SelectRange `json:"cursors,omitempty"`
}

func NewAddOp(authorId Id, name string, args OpArgs) *AddOp {
	return &AddOp{
		Revision: PendingRevision,
		Id:       NewId(),
		AuthorId: authorId,
		Name:     name,
		Args:     args,
	}
}

// clone copies an entry deeply enough that the copy is unaffected by a later
// in-place neutralization of the original.
func (self *AddOp) clone() *AddOp {
	op := &AddOp{
		Revision: self.Revision,
		Id:       self.Id,
		AuthorId: self.AuthorId,
		Name:     self.Name,
		Args:     self.Args,
	}
	op.Args.Ranges = cloneRanges(self.Args.Ranges)
	if self.Value != nil {
		value := *self.Value
		op.Value = &value
	}
	if self.Cursors != nil {
		op.Cursors = cloneCursors(self.Cursors)
	}
	return op
}

// RemoveOp is one entry of the remove log, a tombstone referencing the add
// entry it neutralized.
type RemoveOp struct {
	Revision int `json:"revision"`
	Id       Id  `json:"id"`
}

// RevisionPtr identifies how much of each log a party has observed.
// Wire form is the pair [add, remove].
type RevisionPtr struct {
	Add    int
	Remove int
}

func (self RevisionPtr) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("[%d,%d]", self.Add, self.Remove)), nil
}

func (self *RevisionPtr) UnmarshalJSON(src []byte) error {
	var pair [2]int
	if err := json.Unmarshal(src, &pair); err != nil {
		return err
	}
	self.Add = pair[0]
	self.Remove = pair[1]
	return nil
}

type TextLogSettings struct {
	// cache a replay seed every CacheGap revisions
	CacheGap int
	// compact when either log grows past this
	MaxLogSize int
	// after compaction keep at most this many add entries
	RetainSize int
}

func DefaultTextLogSettings() *TextLogSettings {
	return &TextLogSettings{
		CacheGap:   100,
		MaxLogSize: 2000,
		RetainSize: 1000,
	}
}

// undo/redo stacks keep copies of the appended operations because Tombstone
// rewrites log entries in place
type undoEntry struct {
	id   Id
	name string
	args OpArgs
}

// TextLog is the per-file append-only operation history: the add log, the
// parallel tombstone log, an id index, and per-author past/future stacks for
// undo/redo.
type TextLog struct {
	settings *TextLogSettings

	stateLock sync.Mutex

	adds     []*AddOp
	removes  []*RemoveOp
	addIndex map[Id]*AddOp
	past     map[Id][]*undoEntry
	future   map[Id][]*undoEntry
}

func NewTextLogWithDefaults(initial string) *TextLog {
	return NewTextLog(initial, DefaultTextLogSettings())
}

func NewTextLog(initial string, settings *TextLogSettings) *TextLog {
	textLog := &TextLog{
		settings: settings,
		adds:     []*AddOp{},
		removes:  []*RemoveOp{},
		addIndex: map[Id]*AddOp{},
		past:     map[Id][]*undoEntry{},
		future:   map[Id][]*undoEntry{},
	}
	op := NewAddOp(EngineId, OpInitialize, OpArgs{Text: initial})
	op.Revision = 0
	value := initial
	op.Value = &value
	op.Cursors = map[Id][]SelectRange{}
	textLog.adds = append(textLog.adds, op)
	textLog.addIndex[op.Id] = op
	return textLog
}

// RestoreTextLog rebuilds a log from a serialized snapshot of its entries.
func RestoreTextLog(adds []*AddOp, removes []*RemoveOp, settings *TextLogSettings) *TextLog {
	textLog := &TextLog{
		settings: settings,
		adds:     adds,
		removes:  removes,
		addIndex: map[Id]*AddOp{},
		past:     map[Id][]*undoEntry{},
		future:   map[Id][]*undoEntry{},
	}
	for _, op := range adds {
		textLog.addIndex[op.Id] = op
	}
	return textLog
}

func (self *TextLog) Settings() *TextLogSettings {
	return self.settings
}

// Append validates and orders one operation: the declared author must match
// the submitter, and the id must be unseen. On success the operation gets
// the next dense add revision.
func (self *TextLog) Append(submitterId Id, op *AddOp) (*AddOp, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.append(submitterId, op, true)
}

func (self *TextLog) append(submitterId Id, op *AddOp, clearFuture bool) (*AddOp, error) {
	if op.AuthorId != submitterId {
		return nil, &IdentityMismatchError{
			OpId:        op.Id,
			DeclaredId:  op.AuthorId,
			SubmitterId: submitterId,
		}
	}
	if _, ok := self.addIndex[op.Id]; ok {
		return nil, &DuplicateOperationError{OpId: op.Id}
	}

	op.Revision = len(self.adds)
	self.adds = append(self.adds, op)
	self.addIndex[op.Id] = op

	self.past[op.AuthorId] = append(self.past[op.AuthorId], &undoEntry{
		id:   op.Id,
		name: op.Name,
		args: op.Args,
	})
	if clearFuture && undoable(op.Name) {
		delete(self.future, op.AuthorId)
	}

	if self.settings.CacheGap > 0 && op.Revision%self.settings.CacheGap == 0 {
		self.cache(op.Revision)
	}
	return op, nil
}

// Tombstone neutralizes a previously appended operation in place, records a
// remove-log entry, and patches the absolute line references of later Select
// entries by the line span the removed edit actually occupied at removal
// time. Replay seeds cached after the removed entry are dropped since they
// embed its effect.
func (self *TextLog) Tombstone(id Id) (*RemoveOp, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.tombstone(id)
}

func (self *TextLog) tombstone(id Id) (*RemoveOp, error) {
	op, ok := self.addIndex[id]
	if !ok || op.Name == OpNoop || op.Name == OpInitialize {
		return nil, &UnknownOperationError{OpId: id}
	}

	// the inverse of the removed edit's deltas, observed against the log as
	// replayed just before the edit
	var inverses []RangeDelta
	if op.Name != OpSelect {
		prior, _, err := self.reconstruct(op.Revision - 1)
		if err != nil {
			return nil, err
		}
		_, deltas, err := applyTransform(prior, op)
		if err != nil {
			return nil, err
		}
		inverses = make([]RangeDelta, len(deltas))
		for i := len(deltas) - 1; 0 <= i; i -= 1 {
			d := deltas[i]
			inverses[len(deltas)-1-i] = RangeDelta{
				Insert: !d.Insert,
				Start:  d.Start,
				End:    d.End,
			}
		}
	}

	rm := &RemoveOp{
		Revision: len(self.removes),
		Id:       id,
	}
	self.removes = append(self.removes, rm)

	op.Name = OpNoop
	op.Args = OpArgs{}
	op.Value = nil
	op.Cursors = nil

	for _, later := range self.adds[op.Revision+1:] {
		later.Value = nil
		later.Cursors = nil
		if later.Name == OpSelect && 0 < len(inverses) {
			for _, inverse := range inverses {
				later.Args.Ranges = AdjustRanges(later.Args.Ranges, inverse)
			}
		}
	}
	return rm, nil
}

// SliceSince returns the tail of each log strictly after the pointer. The
// returned entries are copies: Tombstone and Compact mutate log entries in
// place, and callers encode the tail outside the state lock.
func (self *TextLog) SliceSince(ptr RevisionPtr) ([]*AddOp, []*RemoveOp) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sliceSince(ptr)
}

func (self *TextLog) sliceSince(ptr RevisionPtr) ([]*AddOp, []*RemoveOp) {
	i := sort.Search(len(self.adds), func(i int) bool {
		return ptr.Add < self.adds[i].Revision
	})
	j := sort.Search(len(self.removes), func(j int) bool {
		return ptr.Remove < self.removes[j].Revision
	})
	adds := make([]*AddOp, len(self.adds)-i)
	for k, op := range self.adds[i:] {
		adds[k] = op.clone()
	}
	removes := make([]*RemoveOp, len(self.removes)-j)
	for k, rm := range self.removes[j:] {
		removes[k] = &RemoveOp{Revision: rm.Revision, Id: rm.Id}
	}
	return adds, removes
}

// Neutralized reports whether the entry is known and already tombstoned.
func (self *TextLog) Neutralized(id Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	op, ok := self.addIndex[id]
	return ok && op.Name == OpNoop
}

// SeedId returns the id of the log's first entry, the replay origin.
func (self *TextLog) SeedId() (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.adds) == 0 {
		return Id{}, false
	}
	return self.adds[0].Id, true
}

// Ptr returns the pointer covering the whole log.
func (self *TextLog) Ptr() RevisionPtr {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.ptr()
}

func (self *TextLog) ptr() RevisionPtr {
	ptr := RevisionPtr{Add: -1, Remove: -1}
	if 0 < len(self.adds) {
		ptr.Add = self.adds[len(self.adds)-1].Revision
	}
	if 0 < len(self.removes) {
		ptr.Remove = self.removes[len(self.removes)-1].Revision
	}
	return ptr
}

func (self *TextLog) Len() (addCount int, removeCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.adds), len(self.removes)
}

// Undo neutralizes the author's most recent undoable operation, moving it
// onto the future stack. Non-undoable operations in between move across
// without any log effect. Returns nil when there is nothing to undo.
func (self *TextLog) Undo(authorId Id) (*RemoveOp, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stack := self.past[authorId]
	for 0 < len(stack) {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		self.past[authorId] = stack
		self.future[authorId] = append(self.future[authorId], entry)

		if !undoable(entry.name) {
			continue
		}

		rm, err := self.tombstone(entry.id)
		if err != nil {
			return nil, err
		}
		// undo replay must be exact, not interval-approximate
		self.cache(len(self.adds) - 1)
		return rm, nil
	}
	return nil, nil
}

// Redo re-appends the author's most recently undone operation under a fresh
// id and revision. Returns nil when there is nothing to redo.
func (self *TextLog) Redo(authorId Id) (*AddOp, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stack := self.future[authorId]
	for 0 < len(stack) {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		self.future[authorId] = stack

		if !undoable(entry.name) {
			self.past[authorId] = append(self.past[authorId], entry)
			continue
		}

		op := NewAddOp(authorId, entry.name, entry.args)
		appended, err := self.append(authorId, op, false)
		if err != nil {
			return nil, err
		}
		self.cache(len(self.adds) - 1)
		return appended, nil
	}
	return nil, nil
}

// ApplyRemote merges a server increment into a replica log: unseen adds are
// appended under their server-assigned revisions, unseen removes are
// replayed as tombstones. Already-seen entries are skipped, so increments
// are idempotent.
func (self *TextLog) ApplyRemote(adds []*AddOp, removes []*RemoveOp) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, op := range adds {
		if _, ok := self.addIndex[op.Id]; ok {
			continue
		}
		self.adds = append(self.adds, op)
		self.addIndex[op.Id] = op
	}
	for _, rm := range removes {
		if op, ok := self.addIndex[rm.Id]; !ok || op.Name == OpNoop {
			continue
		}
		if _, err := self.tombstone(rm.Id); err != nil {
			return err
		}
	}
	return nil
}

// cache records the replay seed onto the entry at revision. Callers hold the
// state lock.
func (self *TextLog) cache(revision int) {
	if revision < 0 || len(self.adds) <= revision {
		return
	}
	value, cursors, err := self.reconstruct(revision)
	if err != nil {
		return
	}
	op := self.adds[revision]
	op.Value = &value
	op.Cursors = cursors
}
