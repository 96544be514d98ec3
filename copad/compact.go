package copad

// compaction bounds log growth while preserving replayability: reconstruct
// before and after must agree byte for byte.

// NeedsCompact reports whether either log has grown past the ceiling.
func (self *TextLog) NeedsCompact() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.needsCompact()
}

func (self *TextLog) needsCompact() bool {
	return self.settings.MaxLogSize < len(self.adds) ||
		self.settings.MaxLogSize < len(self.removes)
}

// CompactIfNeeded runs Compact when a ceiling is exceeded. Returns whether a
// compaction ran.
func (self *TextLog) CompactIfNeeded() (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.needsCompact() {
		return false, nil
	}
	return true, self.compact()
}

// Compact prunes neutralized entries, collapses same-author selection runs
// to their boundary pair, renumbers the surviving entries densely from zero,
// and, when the log is still over the retention ceiling, re-seeds it from
// the newest cached value at or before the cut as a fresh Initialize entry.
func (self *TextLog) Compact() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.compact()
}

func (self *TextLog) compact() error {
	// drop neutralized entries
	survivors := []*AddOp{}
	for _, op := range self.adds {
		if op.Name == OpNoop {
			delete(self.addIndex, op.Id)
			continue
		}
		survivors = append(survivors, op)
	}

	// collapse runs of selection ops by the same author. The intermediate
	// selection states are not independently observable; only the run's
	// boundary pair matters for replay.
	collapsed := []*AddOp{}
	for i := 0; i < len(survivors); {
		op := survivors[i]
		if op.Name != OpSelect {
			collapsed = append(collapsed, op)
			i += 1
			continue
		}
		j := i
		for j+1 < len(survivors) &&
			survivors[j+1].Name == OpSelect &&
			survivors[j+1].AuthorId == op.AuthorId {
			j += 1
		}
		collapsed = append(collapsed, op)
		if i < j {
			collapsed = append(collapsed, survivors[j])
			for k := i + 1; k < j; k += 1 {
				delete(self.addIndex, survivors[k].Id)
			}
		}
		i = j + 1
	}

	// re-seed when still over the retention ceiling
	if self.settings.RetainSize < len(collapsed) {
		cut := len(collapsed) - self.settings.RetainSize
		seed := -1
		for i := cut; 0 <= i; i -= 1 {
			if collapsed[i].Value != nil {
				seed = i
				break
			}
		}
		if 0 <= seed {
			init := NewAddOp(EngineId, OpInitialize, OpArgs{Text: *collapsed[seed].Value})
			init.Value = collapsed[seed].Value
			init.Cursors = cloneCursors(collapsed[seed].Cursors)
			for i := 0; i <= seed; i += 1 {
				delete(self.addIndex, collapsed[i].Id)
			}
			collapsed = append([]*AddOp{init}, collapsed[seed+1:]...)
			self.addIndex[init.Id] = init
		}
	}

	// dense zero-based revisions
	for i, op := range collapsed {
		op.Revision = i
	}
	self.adds = collapsed
	self.removes = []*RemoveOp{}

	// undo history for dropped entries cannot be tombstoned anymore
	for authorId, stack := range self.past {
		kept := []*undoEntry{}
		for _, entry := range stack {
			if _, ok := self.addIndex[entry.id]; ok {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(self.past, authorId)
		} else {
			self.past[authorId] = kept
		}
	}

	return nil
}
