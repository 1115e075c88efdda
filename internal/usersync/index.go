package usersync

import (
	"context"
	"fmt"
)

// AccountIndex looks accounts up by normalized email and by external id.
// When two accounts share a key the last one added wins.
type AccountIndex struct {
	accounts     []Account
	byEmail      map[string]Account
	byExternalID map[string]Account
}

func NewAccountIndex(accounts []Account) *AccountIndex {
	ix := &AccountIndex{
		byEmail:      make(map[string]Account, len(accounts)),
		byExternalID: make(map[string]Account, len(accounts)),
	}
	for _, account := range accounts {
		ix.Add(account)
	}
	return ix
}

func (ix *AccountIndex) Add(account Account) {
	ix.accounts = append(ix.accounts, account)
	if key := NormalizeEmail(account.Email); key != "" {
		ix.byEmail[key] = account
	}
	if account.ExternalID != "" {
		ix.byExternalID[account.ExternalID] = account
	}
}

// Replace re-keys an account after a mutation so later records in the same
// run see its new state.
func (ix *AccountIndex) Replace(previous, current Account) {
	if key := NormalizeEmail(previous.Email); key != "" {
		if held, ok := ix.byEmail[key]; ok && held.ID == previous.ID {
			delete(ix.byEmail, key)
		}
	}
	if previous.ExternalID != "" {
		if held, ok := ix.byExternalID[previous.ExternalID]; ok && held.ID == previous.ID {
			delete(ix.byExternalID, previous.ExternalID)
		}
	}
	for i := range ix.accounts {
		if ix.accounts[i].ID == previous.ID && previous.ID != "" {
			ix.accounts = append(ix.accounts[:i], ix.accounts[i+1:]...)
			break
		}
	}
	ix.Add(current)
}

func (ix *AccountIndex) ByEmail(email string) (Account, bool) {
	account, ok := ix.byEmail[NormalizeEmail(email)]
	return account, ok
}

func (ix *AccountIndex) ByExternalID(externalID string) (Account, bool) {
	if externalID == "" {
		return Account{}, false
	}
	account, ok := ix.byExternalID[externalID]
	return account, ok
}

func (ix *AccountIndex) Accounts() []Account {
	out := make([]Account, len(ix.accounts))
	copy(out, ix.accounts)
	return out
}

// ListAllAccounts pages the store until a short page or maxPages pages.
func ListAllAccounts(ctx context.Context, store AccountStore, perPage, maxPages int) ([]Account, error) {
	if perPage <= 0 {
		perPage = defaultIndexPageSize
	}
	if maxPages <= 0 {
		maxPages = defaultIndexMaxPages
	}
	var all []Account
	for page := 1; page <= maxPages; page++ {
		accounts, err := store.ListAccounts(ctx, page, perPage)
		if err != nil {
			return nil, storeError(fmt.Sprintf("list accounts page %d", page), err)
		}
		all = append(all, accounts...)
		if len(accounts) < perPage {
			return all, nil
		}
	}
	return all, nil
}

// BuildIndex reads every account from the store into a fresh index.
func (e *Engine) BuildIndex(ctx context.Context) (*AccountIndex, error) {
	accounts, err := e.listAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return NewAccountIndex(accounts), nil
}

func (e *Engine) listAccounts(ctx context.Context) ([]Account, error) {
	accounts, err := ListAllAccounts(ctx, e.store, e.opts.IndexPageSize, e.opts.IndexMaxPages)
	if err != nil {
		return nil, err
	}
	if len(accounts) >= e.opts.IndexPageSize*e.opts.IndexMaxPages {
		e.logger.Warn("account listing hit page ceiling; index may be incomplete")
	}
	return accounts, nil
}
