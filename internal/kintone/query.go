package kintone

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/quizdeck/accountsync/internal/usersync"
)

// tailPattern finds the first paging clause of a kintone query. Paging is
// owned by the cursor, so anything from there on is replaced.
var tailPattern = regexp.MustCompile(`(?i)(^|\s)(order\s+by|limit|offset)\s`)

// SplitQuery separates the filter condition from its order/limit/offset
// tail.
func SplitQuery(query string) (condition, tail string) {
	query = strings.TrimSpace(query)
	loc := tailPattern.FindStringIndex(query + " ")
	if loc == nil {
		return query, ""
	}
	return strings.TrimSpace(query[:loc[0]]), strings.TrimSpace(query[loc[0]:])
}

// BuildQuery renders a condition and cursor into a query ordered by $id.
// Offset cursors page with offset; id cursors continue after the last id.
func BuildQuery(query string, cursor usersync.Cursor, limit int) string {
	condition, _ := SplitQuery(query)
	var b strings.Builder
	if cursor.IsID() {
		b.WriteString("$id > ")
		b.WriteString(cursor.AfterID)
		if condition != "" {
			fmt.Fprintf(&b, " and (%s)", condition)
		}
		fmt.Fprintf(&b, " order by $id asc limit %d", limit)
		return b.String()
	}
	if condition != "" {
		b.WriteString(condition)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "order by $id asc limit %d offset %d", limit, cursor.Offset)
	return b.String()
}

var stringEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// EscapeString quotes a value for use inside a double-quoted query literal.
func EscapeString(value string) string {
	return stringEscaper.Replace(value)
}
