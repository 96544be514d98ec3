package copad

import (
	"fmt"
	"strings"
)

// replay reconstructs a document's text from the add log. It must be a pure
// function of the ordered entry slice and the seed: both sides of the
// protocol re-run it from potentially different cached seeds and must agree
// byte for byte.

// TransformFunc applies one named operation to the current value and returns
// the new value plus the positional deltas the edit introduced.
type TransformFunc func(value string, op *AddOp) (string, []RangeDelta, error)

const CommentPrefix = "// "
const IndentPrefix = "\t"

var transformTable = map[string]TransformFunc{
	OpInitialize: transformInitialize,
	OpInsert:     transformInsert,
	OpRemove:     transformRemove,
	OpIndent:     transformIndent,
	OpComment:    transformComment,
	OpSelect:     transformSelect,
	OpNoop:       transformNoop,
}

func applyTransform(value string, op *AddOp) (string, []RangeDelta, error) {
	transform, ok := transformTable[op.Name]
	if !ok {
		return "", nil, fmt.Errorf("no transform for operation %q", op.Name)
	}
	return transform(value, op)
}

func transformInitialize(value string, op *AddOp) (string, []RangeDelta, error) {
	return op.Args.Text, nil, nil
}

func transformInsert(value string, op *AddOp) (string, []RangeDelta, error) {
	next, delta := TextInsert(value, op.Args.Pos, op.Args.Text)
	return next, []RangeDelta{delta}, nil
}

func transformRemove(value string, op *AddOp) (string, []RangeDelta, error) {
	next, delta := TextRemove(value, op.Args.Pos, op.Args.Len)
	return next, []RangeDelta{delta}, nil
}

func transformIndent(value string, op *AddOp) (string, []RangeDelta, error) {
	if op.Args.Outdent {
		next, deltas := LinePrefixRemove(value, op.Args.StartRow, op.Args.EndRow, IndentPrefix)
		return next, deltas, nil
	}
	next, deltas := LinePrefixInsert(value, op.Args.StartRow, op.Args.EndRow, IndentPrefix)
	return next, deltas, nil
}

// comment toggles: when every row in the range already carries the comment
// prefix the toggle strips it, otherwise it comments every row. The decision
// depends only on the value, so replay stays deterministic.
func transformComment(value string, op *AddOp) (string, []RangeDelta, error) {
	lines := strings.Split(value, "\n")
	allCommented := true
	for row := op.Args.StartRow; row <= op.Args.EndRow; row += 1 {
		if len(lines) <= row || !strings.HasPrefix(lines[row], CommentPrefix) {
			allCommented = false
			break
		}
	}
	if allCommented {
		next, deltas := LinePrefixRemove(value, op.Args.StartRow, op.Args.EndRow, CommentPrefix)
		return next, deltas, nil
	}
	next, deltas := LinePrefixInsert(value, op.Args.StartRow, op.Args.EndRow, CommentPrefix)
	return next, deltas, nil
}

func transformSelect(value string, op *AddOp) (string, []RangeDelta, error) {
	return value, nil, nil
}

func transformNoop(value string, op *AddOp) (string, []RangeDelta, error) {
	return value, nil, nil
}

type ReplayResult struct {
	Value   string
	Cursors map[Id][]SelectRange
	Ptr     RevisionPtr
}

// Reconstruct replays the log up to and including the entry at revision
// upto, or the whole log when upto is negative or past the end.
func (self *TextLog) Reconstruct(upto int) (*ReplayResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if upto < 0 || len(self.adds) <= upto {
		upto = len(self.adds) - 1
	}
	value, cursors, err := self.reconstruct(upto)
	if err != nil {
		return nil, err
	}
	return &ReplayResult{
		Value:   value,
		Cursors: cursors,
		Ptr:     self.ptr(),
	}, nil
}

// Value replays the whole log and returns the current text.
func (self *TextLog) Value() (string, error) {
	result, err := self.Reconstruct(-1)
	if err != nil {
		return "", err
	}
	return result.Value, nil
}

// reconstruct seeds from the nearest cached value at or before upto and
// applies each later entry in order, maintaining one selection state per
// participant. Callers hold the state lock.
func (self *TextLog) reconstruct(upto int) (string, map[Id][]SelectRange, error) {
	if upto < 0 {
		return "", map[Id][]SelectRange{}, nil
	}
	if len(self.adds) <= upto {
		upto = len(self.adds) - 1
	}

	value := ""
	cursors := map[Id][]SelectRange{}
	start := 0
	for i := upto; 0 <= i; i -= 1 {
		if self.adds[i].Value != nil {
			value = *self.adds[i].Value
			cursors = cloneCursors(self.adds[i].Cursors)
			start = i + 1
			break
		}
	}

	for i := start; i <= upto; i += 1 {
		op := self.adds[i]
		switch op.Name {
		case OpNoop:
			continue
		case OpSelect:
			cursors[op.AuthorId] = cloneRanges(op.Args.Ranges)
			continue
		}

		next, deltas, err := applyTransform(value, op)
		if err != nil {
			return "", nil, err
		}
		value = next

		for _, delta := range deltas {
			for authorId, ranges := range cursors {
				if authorId == op.AuthorId {
					continue
				}
				cursors[authorId] = AdjustRanges(ranges, delta)
			}
		}

		switch op.Name {
		case OpInsert:
			if 0 < len(deltas) {
				end := deltas[0].End
				cursors[op.AuthorId] = []SelectRange{{Start: end, End: end}}
			}
		case OpRemove:
			if 0 < len(deltas) {
				start := deltas[0].Start
				cursors[op.AuthorId] = []SelectRange{{Start: start, End: start}}
			}
		default:
			// indent and comment shift the author's own selection like
			// anyone else's
			for _, delta := range deltas {
				cursors[op.AuthorId] = AdjustRanges(cursors[op.AuthorId], delta)
			}
		}
	}

	return value, cursors, nil
}

// ForceCache records an exact replay seed on the newest entry.
func (self *TextLog) ForceCache() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.cache(len(self.adds) - 1)
}

func cloneCursors(cursors map[Id][]SelectRange) map[Id][]SelectRange {
	clone := map[Id][]SelectRange{}
	for authorId, ranges := range cursors {
		clone[authorId] = cloneRanges(ranges)
	}
	return clone
}

func cloneRanges(ranges []SelectRange) []SelectRange {
	if ranges == nil {
		return nil
	}
	clone := make([]SelectRange, len(ranges))
	copy(clone, ranges)
	return clone
}
