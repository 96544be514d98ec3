package copad

import (
	"strings"
)

// position and range arithmetic for concurrent edits
//
// edits address the document by flat rune offset. selections address it by
// row/col because that is what editor surfaces render. when one author edits,
// every other author's selection must shift by the edit's delta so that no
// selection is left stale or out of bounds.

type SelectPos struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (self SelectPos) Before(other SelectPos) bool {
	if self.Row != other.Row {
		return self.Row < other.Row
	}
	return self.Col < other.Col
}

func (self SelectPos) BeforeOrAt(other SelectPos) bool {
	return !other.Before(self)
}

type SelectRange struct {
	Start SelectPos `json:"start"`
	End   SelectPos `json:"end"`
}

// RangeDelta describes the positional effect of a single text edit.
// For an insert, Start is the insertion point and End is the position
// immediately after the inserted text. For a remove, Start and End bound the
// removed span in pre-removal coordinates.
type RangeDelta struct {
	Insert bool
	Start  SelectPos
	End    SelectPos
}

func (self RangeDelta) RowDelta() int {
	if self.Insert {
		return self.End.Row - self.Start.Row
	}
	return -(self.End.Row - self.Start.Row)
}

// AdjustPos shifts a foreign position by an edit's delta. Positions strictly
// before the edit are untouched. Positions inside a removed span clamp to the
// start of the removal.
func AdjustPos(p SelectPos, d RangeDelta) SelectPos {
	if d.Insert {
		if p.Before(d.Start) {
			return p
		}
		rowDelta := d.End.Row - d.Start.Row
		if p.Row == d.Start.Row {
			return SelectPos{
				Row: p.Row + rowDelta,
				Col: d.End.Col + (p.Col - d.Start.Col),
			}
		}
		return SelectPos{Row: p.Row + rowDelta, Col: p.Col}
	}

	if p.BeforeOrAt(d.Start) {
		return p
	}
	if p.BeforeOrAt(d.End) {
		return d.Start
	}
	rowDelta := d.End.Row - d.Start.Row
	if p.Row == d.End.Row {
		return SelectPos{
			Row: d.Start.Row,
			Col: d.Start.Col + (p.Col - d.End.Col),
		}
	}
	return SelectPos{Row: p.Row - rowDelta, Col: p.Col}
}

func AdjustRange(r SelectRange, d RangeDelta) SelectRange {
	return SelectRange{
		Start: AdjustPos(r.Start, d),
		End:   AdjustPos(r.End, d),
	}
}

func AdjustRanges(ranges []SelectRange, d RangeDelta) []SelectRange {
	if len(ranges) == 0 {
		return ranges
	}
	adjusted := make([]SelectRange, len(ranges))
	for i, r := range ranges {
		adjusted[i] = AdjustRange(r, d)
	}
	return adjusted
}

// OffsetToPos converts a flat rune offset into row/col coordinates.
// The offset is clamped to the document bounds.
func OffsetToPos(value string, offset int) SelectPos {
	runes := []rune(value)
	offset = clampInt(offset, 0, len(runes))
	row := 0
	col := 0
	for i := 0; i < offset; i += 1 {
		if runes[i] == '\n' {
			row += 1
			col = 0
		} else {
			col += 1
		}
	}
	return SelectPos{Row: row, Col: col}
}

// PosToOffset converts row/col coordinates into a flat rune offset.
// Rows past the end clamp to the last line, cols past a line end clamp to it.
func PosToOffset(value string, p SelectPos) int {
	runes := []rune(value)
	row := 0
	lineStart := 0
	for i := 0; i <= len(runes); i += 1 {
		atEnd := i == len(runes)
		if row == p.Row {
			lineEnd := i
			for lineEnd < len(runes) && runes[lineEnd] != '\n' {
				lineEnd += 1
			}
			return clampInt(lineStart+p.Col, lineStart, lineEnd)
		}
		if atEnd {
			break
		}
		if runes[i] == '\n' {
			row += 1
			lineStart = i + 1
		}
	}
	return len(runes)
}

// TextInsert splices text in at a flat rune offset, clamped to bounds.
// Returns the new value and the edit's delta.
func TextInsert(value string, offset int, text string) (string, RangeDelta) {
	runes := []rune(value)
	offset = clampInt(offset, 0, len(runes))
	start := OffsetToPos(value, offset)

	next := string(runes[:offset]) + text + string(runes[offset:])

	rows := strings.Count(text, "\n")
	end := SelectPos{Row: start.Row + rows}
	if rows == 0 {
		end.Col = start.Col + len([]rune(text))
	} else {
		lastLine := text[strings.LastIndexByte(text, '\n')+1:]
		end.Col = len([]rune(lastLine))
	}

	return next, RangeDelta{Insert: true, Start: start, End: end}
}

// TextRemove splices out length runes at a flat rune offset, clamped to
// bounds. Returns the new value and the edit's delta.
func TextRemove(value string, offset int, length int) (string, RangeDelta) {
	runes := []rune(value)
	offset = clampInt(offset, 0, len(runes))
	end := clampInt(offset+length, offset, len(runes))
	start := OffsetToPos(value, offset)
	stop := OffsetToPos(value, end)

	next := string(runes[:offset]) + string(runes[end:])

	return next, RangeDelta{Insert: false, Start: start, End: stop}
}

// LinePrefixInsert prepends prefix to each row in [startRow, endRow],
// producing one insert delta per affected row. Used by indent and comment
// transforms.
func LinePrefixInsert(value string, startRow int, endRow int, prefix string) (string, []RangeDelta) {
	deltas := []RangeDelta{}
	next := value
	for row := startRow; row <= endRow; row += 1 {
		offset := PosToOffset(next, SelectPos{Row: row, Col: 0})
		var d RangeDelta
		next, d = TextInsert(next, offset, prefix)
		deltas = append(deltas, d)
	}
	return next, deltas
}

// LinePrefixRemove strips prefix from each row in [startRow, endRow] where
// present, producing one remove delta per stripped row.
func LinePrefixRemove(value string, startRow int, endRow int, prefix string) (string, []RangeDelta) {
	deltas := []RangeDelta{}
	next := value
	prefixLen := len([]rune(prefix))
	for row := startRow; row <= endRow; row += 1 {
		offset := PosToOffset(next, SelectPos{Row: row, Col: 0})
		runes := []rune(next)
		if offset+prefixLen <= len(runes) && string(runes[offset:offset+prefixLen]) == prefix {
			var d RangeDelta
			next, d = TextRemove(next, offset, prefixLen)
			deltas = append(deltas, d)
		}
	}
	return next, deltas
}

func clampInt(v int, low int, high int) int {
	if v < low {
		return low
	}
	if high < v {
		return high
	}
	return v
}
