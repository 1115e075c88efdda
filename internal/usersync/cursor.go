package usersync

import (
	"strconv"
	"strings"
)

const idCursorPrefix = "id:"

// Cursor is a position in the record source: a numeric offset, or the last
// external id seen once offsets would exceed the source's ceiling.
type Cursor struct {
	Offset  int
	AfterID string
}

func OffsetCursor(offset int) Cursor {
	if offset < 0 {
		offset = 0
	}
	return Cursor{Offset: offset}
}

func IDCursor(afterID string) Cursor {
	return Cursor{AfterID: afterID}
}

func (c Cursor) IsID() bool {
	return c.AfterID != ""
}

func (c Cursor) String() string {
	if c.IsID() {
		return idCursorPrefix + c.AfterID
	}
	return strconv.Itoa(c.Offset)
}

// NumericOffset is -1 for id cursors.
func (c Cursor) NumericOffset() int {
	if c.IsID() {
		return -1
	}
	return c.Offset
}

// Advance moves past consumed records. The result switches to an id cursor
// when the offset would exceed maxOffset and never switches back.
func (c Cursor) Advance(consumed int, lastID string, maxOffset int) Cursor {
	if consumed <= 0 {
		return c
	}
	if c.IsID() {
		if lastID == "" {
			return c
		}
		return IDCursor(lastID)
	}
	next := c.Offset + consumed
	if maxOffset > 0 && next > maxOffset && lastID != "" {
		return IDCursor(lastID)
	}
	return OffsetCursor(next)
}

func ParseCursor(raw string) (Cursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Cursor{}, nil
	}
	if strings.HasPrefix(raw, idCursorPrefix) {
		id := strings.TrimPrefix(raw, idCursorPrefix)
		if !isDecimal(id) {
			return Cursor{}, &ValidationError{Field: "cursor", Reason: "id cursor must be id:<numeric record id>"}
		}
		return IDCursor(id), nil
	}
	offset, err := strconv.Atoi(raw)
	if err != nil || offset < 0 {
		return Cursor{}, &ValidationError{Field: "cursor", Reason: "cursor must be a non-negative offset or id:<record id>"}
	}
	return OffsetCursor(offset), nil
}

func isDecimal(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
