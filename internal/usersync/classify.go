package usersync

type Action string

const (
	ActionCreate           Action = "create"
	ActionUpdateEmail      Action = "update_email"
	ActionAttachExternalID Action = "attach_external_id"
	ActionSkipUnchanged    Action = "skip_unchanged"
	ActionSkipInvalid      Action = "skip_invalid"
	ActionDeleteCandidate  Action = "delete_candidate"
)

// Classification is the decision for one record. Account is the matched
// account for every action except Create and SkipInvalid.
type Classification struct {
	Action          Action
	Record          ExternalRecord
	Account         Account
	ConflictAccount *Account
	Reason          string
}

// Classify decides what to do with a record. An external id match wins over
// an email match because the email can change upstream.
func Classify(record ExternalRecord, index *AccountIndex) Classification {
	out := Classification{Record: record}
	if !IsValidEmail(record.Email) {
		out.Action = ActionSkipInvalid
		if record.Email == "" {
			out.Reason = "email is empty"
		} else {
			out.Reason = "email is malformed"
		}
		return out
	}
	email := NormalizeEmail(record.Email)

	if account, ok := index.ByExternalID(record.ExternalID); ok {
		out.Account = account
		if byEmail, hit := index.ByEmail(email); hit && byEmail.ID != account.ID {
			conflict := byEmail
			out.ConflictAccount = &conflict
		}
		if NormalizeEmail(account.Email) != email {
			out.Action = ActionUpdateEmail
			return out
		}
		out.Action = ActionSkipUnchanged
		return out
	}

	if account, ok := index.ByEmail(email); ok {
		out.Account = account
		if account.ExternalID == "" && record.ExternalID != "" {
			out.Action = ActionAttachExternalID
			return out
		}
		out.Action = ActionSkipUnchanged
		return out
	}

	out.Action = ActionCreate
	return out
}

// ClassifyForDeletion only yields DeleteCandidate when both keys are present
// and resolve to the same account.
func ClassifyForDeletion(record ExternalRecord, index *AccountIndex) Classification {
	out := Classification{Record: record, Action: ActionSkipInvalid}
	if record.ExternalID == "" {
		out.Reason = "external id is required for deletion"
		return out
	}
	if !IsValidEmail(record.Email) {
		out.Reason = "email is missing or malformed"
		return out
	}
	byID, idOK := index.ByExternalID(record.ExternalID)
	byEmail, emailOK := index.ByEmail(record.Email)
	switch {
	case !idOK && !emailOK:
		out.Reason = "no matching account"
	case !idOK:
		out.Reason = "no account with this external id"
	case !emailOK:
		out.Reason = "no account with this email"
	case byID.ID != byEmail.ID:
		out.Reason = "email and external id belong to different accounts"
	default:
		out.Action = ActionDeleteCandidate
		out.Account = byID
	}
	return out
}

// FindOrphans returns accounts that no record references by external id or
// by email. Accounts without an email are never orphans.
func FindOrphans(records []ExternalRecord, accounts []Account) []Account {
	ids := make(map[string]struct{}, len(records))
	emails := make(map[string]struct{}, len(records))
	for _, record := range records {
		if record.ExternalID != "" {
			ids[record.ExternalID] = struct{}{}
		}
		if IsValidEmail(record.Email) {
			emails[NormalizeEmail(record.Email)] = struct{}{}
		}
	}
	var orphans []Account
	for _, account := range accounts {
		if NormalizeEmail(account.Email) == "" {
			continue
		}
		if account.ExternalID != "" {
			if _, ok := ids[account.ExternalID]; ok {
				continue
			}
		}
		if _, ok := emails[NormalizeEmail(account.Email)]; ok {
			continue
		}
		orphans = append(orphans, account)
	}
	return orphans
}

var DefaultGroups = []string{
	"試験対策集中講座（養成）",
	"合格パック単体（養成）",
}

// MatchesGroups reports whether any of the record's group memberships is in
// groups. An empty groups list matches everything.
func MatchesGroups(record ExternalRecord, groups []string) bool {
	if len(groups) == 0 {
		return true
	}
	for _, membership := range record.GroupMemberships {
		for _, group := range groups {
			if membership == group {
				return true
			}
		}
	}
	return false
}
