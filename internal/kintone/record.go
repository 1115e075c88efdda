package kintone

import (
	"encoding/json"
	"strings"

	"github.com/quizdeck/accountsync/internal/usersync"
)

// Field is one value of a kintone record as returned by the REST API.
type Field struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type Record map[string]Field

type tableRow struct {
	ID    string `json:"id"`
	Value Record `json:"value"`
}

// Extract turns a raw record into an ExternalRecord. Group memberships are
// read from the rows of groupTable, one per non-empty groupField value.
func Extract(record Record, emailField, groupTable, groupField string) usersync.ExternalRecord {
	if emailField == "" {
		emailField = "email"
	}
	out := usersync.ExternalRecord{
		ExternalID: scalar(record["$id"]),
		Email:      strings.TrimSpace(scalar(record[emailField])),
	}
	out.GroupMemberships = groupNames(record[groupTable], groupField)
	for code, field := range record {
		if code == "$id" || code == emailField || code == groupTable {
			continue
		}
		var value any
		if err := json.Unmarshal(field.Value, &value); err != nil || value == nil {
			continue
		}
		if out.Attributes == nil {
			out.Attributes = map[string]any{}
		}
		out.Attributes[code] = value
	}
	return out
}

// scalar reads a string or number value; anything else is empty.
func scalar(field Field) string {
	if len(field.Value) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(field.Value, &text); err == nil {
		return text
	}
	var number json.Number
	if err := json.Unmarshal(field.Value, &number); err == nil {
		return number.String()
	}
	return ""
}

func groupNames(table Field, groupField string) []string {
	if len(table.Value) == 0 {
		return nil
	}
	var rows []tableRow
	if err := json.Unmarshal(table.Value, &rows); err != nil {
		return nil
	}
	var names []string
	for _, row := range rows {
		name := strings.TrimSpace(scalar(row.Value[groupField]))
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
