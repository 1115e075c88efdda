package kintone

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quizdeck/accountsync/internal/usersync"
)

func TestSplitQuery(t *testing.T) {
	cases := []struct {
		query, condition, tail string
	}{
		{"", "", ""},
		{`status in ("active")`, `status in ("active")`, ""},
		{`status in ("active") order by 更新日時 desc limit 10`, `status in ("active")`, "order by 更新日時 desc limit 10"},
		{"order by $id asc limit 1", "", "order by $id asc limit 1"},
		{"limit 1", "", "limit 1"},
		{"offset_days > 3", "offset_days > 3", ""},
	}
	for _, tc := range cases {
		condition, tail := SplitQuery(tc.query)
		require.Equal(t, tc.condition, condition, tc.query)
		require.Equal(t, tc.tail, tail, tc.query)
	}
}

func TestBuildQuery(t *testing.T) {
	require.Equal(t, "order by $id asc limit 500 offset 0", BuildQuery("", usersync.Cursor{}, 500))
	require.Equal(t, `a = "1" order by $id asc limit 50 offset 100`, BuildQuery(`a = "1" limit 5 offset 7`, usersync.OffsetCursor(100), 50))
	require.Equal(t, "$id > 42 order by $id asc limit 500", BuildQuery("", usersync.IDCursor("42"), 500))
}
