package usersync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyPrefersExternalIDOverEmail(t *testing.T) {
	index := NewAccountIndex([]Account{{ID: "a1", Email: "old@x.com", ExternalID: "42"}})

	c := Classify(ExternalRecord{ExternalID: "42", Email: "new@x.com"}, index)

	require.Equal(t, ActionUpdateEmail, c.Action)
	require.Equal(t, "a1", c.Account.ID)
	require.Nil(t, c.ConflictAccount)
}

func TestClassifySkipsInvalidEmails(t *testing.T) {
	index := NewAccountIndex([]Account{{ID: "a1", Email: "a@x.com", ExternalID: "1"}})
	for _, email := range []string{"not-an-email", "", "   ", "a@x", "a b@x.com", "@x.com"} {
		c := Classify(ExternalRecord{ExternalID: "1", Email: email}, index)
		require.Equal(t, ActionSkipInvalid, c.Action, "email %q", email)
		require.NotEmpty(t, c.Reason)
	}
}

func TestClassifyDecisionTable(t *testing.T) {
	index := NewAccountIndex([]Account{
		{ID: "a1", Email: "linked@x.com", ExternalID: "1"},
		{ID: "a2", Email: "unlinked@x.com"},
		{ID: "a3", Email: "other@x.com", ExternalID: "3"},
	})
	cases := []struct {
		name   string
		record ExternalRecord
		want   Action
		id     string
	}{
		{"unchanged by id", ExternalRecord{ExternalID: "1", Email: "Linked@X.com"}, ActionSkipUnchanged, "a1"},
		{"attach id", ExternalRecord{ExternalID: "2", Email: "unlinked@x.com"}, ActionAttachExternalID, "a2"},
		{"email hit without record id", ExternalRecord{Email: "unlinked@x.com"}, ActionSkipUnchanged, "a2"},
		{"email hit with different id", ExternalRecord{ExternalID: "9", Email: "other@x.com"}, ActionSkipUnchanged, "a3"},
		{"new", ExternalRecord{ExternalID: "4", Email: "fresh@x.com"}, ActionCreate, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.record, index)
			require.Equal(t, tc.want, c.Action)
			require.Equal(t, tc.id, c.Account.ID)
		})
	}
}

func TestClassifyReportsIdentityConflict(t *testing.T) {
	index := NewAccountIndex([]Account{
		{ID: "by-id", Email: "old@x.com", ExternalID: "42"},
		{ID: "by-email", Email: "new@x.com"},
	})

	c := Classify(ExternalRecord{ExternalID: "42", Email: "new@x.com"}, index)

	require.Equal(t, ActionUpdateEmail, c.Action)
	require.Equal(t, "by-id", c.Account.ID)
	require.NotNil(t, c.ConflictAccount)
	require.Equal(t, "by-email", c.ConflictAccount.ID)
}

func TestClassifyForDeletionRequiresBothKeysOnOneAccount(t *testing.T) {
	index := NewAccountIndex([]Account{
		{ID: "a", Email: "a@x.com", ExternalID: "1"},
		{ID: "b", Email: "b@x.com", ExternalID: "2"},
	})

	require.Equal(t, ActionDeleteCandidate, ClassifyForDeletion(ExternalRecord{ExternalID: "1", Email: "A@x.com"}, index).Action)

	mismatch := ClassifyForDeletion(ExternalRecord{ExternalID: "1", Email: "b@x.com"}, index)
	require.Equal(t, ActionSkipInvalid, mismatch.Action)
	require.Contains(t, mismatch.Reason, "different accounts")

	require.Equal(t, ActionSkipInvalid, ClassifyForDeletion(ExternalRecord{Email: "a@x.com"}, index).Action)
	require.Equal(t, ActionSkipInvalid, ClassifyForDeletion(ExternalRecord{ExternalID: "1", Email: "bad"}, index).Action)
	require.Equal(t, ActionSkipInvalid, ClassifyForDeletion(ExternalRecord{ExternalID: "7", Email: "z@x.com"}, index).Action)
}

func TestFindOrphansToleratesEmailDrift(t *testing.T) {
	accounts := []Account{
		{ID: "drifted", Email: "old@x.com", ExternalID: "42"},
		{ID: "by-email", Email: "kept@x.com"},
		{ID: "gone", Email: "gone@x.com", ExternalID: "99"},
		{ID: "no-email", ExternalID: "100"},
	}
	records := []ExternalRecord{
		{ExternalID: "42", Email: "new@x.com"},
		{ExternalID: "7", Email: "KEPT@x.com"},
	}

	orphans := FindOrphans(records, accounts)

	require.Len(t, orphans, 1)
	require.Equal(t, "gone", orphans[0].ID)
}

func TestMatchesGroups(t *testing.T) {
	require.True(t, MatchesGroups(member("1", "a@x.com"), DefaultGroups))
	require.False(t, MatchesGroups(outsider("1", "a@x.com"), DefaultGroups))
	require.False(t, MatchesGroups(ExternalRecord{ExternalID: "1"}, DefaultGroups))
	require.True(t, MatchesGroups(outsider("1", "a@x.com"), nil))
}

func TestAccountIndexReplaceRekeys(t *testing.T) {
	before := Account{ID: "a", Email: "old@x.com", ExternalID: "1"}
	index := NewAccountIndex([]Account{before})

	index.Replace(before, Account{ID: "a", Email: "new@x.com", ExternalID: "1"})

	_, ok := index.ByEmail("old@x.com")
	require.False(t, ok)
	got, ok := index.ByEmail("NEW@x.com")
	require.True(t, ok)
	require.Equal(t, "a", got.ID)
	require.Len(t, index.Accounts(), 1)
}

func TestNormalizeEmailFoldsWidthAndCase(t *testing.T) {
	require.Equal(t, "user@example.com", NormalizeEmail("  ＵＳＥＲ@Example.COM "))
}

func TestGenerateTempPassword(t *testing.T) {
	password, err := GenerateTempPassword(0)
	require.NoError(t, err)
	require.Len(t, password, 32)
	for _, r := range password {
		require.Contains(t, tempPasswordAlphabet, string(r))
	}
}
