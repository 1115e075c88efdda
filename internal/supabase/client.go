package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/restclient"
	"github.com/quizdeck/accountsync/internal/usersync"
)

const usersPath = "/auth/v1/admin/users"

type Config struct {
	URL            string
	ServiceRoleKey string
	HTTPClient     *http.Client
	MaxRetries     int
	Logger         *zap.Logger
}

// Client manages users through the GoTrue admin API. It implements
// usersync.AccountStore.
type Client struct {
	rest   *restclient.Client
	logger *zap.Logger
}

var _ usersync.AccountStore = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	var missing []string
	if strings.TrimSpace(cfg.URL) == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if strings.TrimSpace(cfg.ServiceRoleKey) == "" {
		missing = append(missing, "SUPABASE_SERVICE_ROLE_KEY")
	}
	if len(missing) > 0 {
		return nil, &usersync.ConfigurationError{Missing: missing}
	}
	key := strings.TrimSpace(cfg.ServiceRoleKey)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rest: restclient.New(restclient.Options{
			BaseURL: cfg.URL,
			Headers: map[string]string{
				"apikey":        key,
				"Authorization": "Bearer " + key,
			},
			HTTPClient: cfg.HTTPClient,
			MaxRetries: cfg.MaxRetries,
		}),
		logger: logger.Named("supabase"),
	}, nil
}

type user struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at"`
	UserMetadata     map[string]any `json:"user_metadata"`
}

type listResponse struct {
	Users []user `json:"users"`
}

func (c *Client) ListAccounts(ctx context.Context, page, perPage int) ([]usersync.Account, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))
	var resp listResponse
	if err := c.rest.DoJSON(ctx, http.MethodGet, usersPath+"?"+params.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	accounts := make([]usersync.Account, 0, len(resp.Users))
	for _, u := range resp.Users {
		accounts = append(accounts, toAccount(u))
	}
	return accounts, nil
}

type createRequest struct {
	Email        string         `json:"email"`
	Password     string         `json:"password"`
	EmailConfirm bool           `json:"email_confirm"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (c *Client) CreateAccount(ctx context.Context, account usersync.NewAccount) (usersync.Account, error) {
	metadata := map[string]any{"is_initial_password": account.InitialPassword}
	if account.ExternalID != "" {
		metadata["kintone_record_id"] = account.ExternalID
	}
	var created user
	err := c.rest.DoJSON(ctx, http.MethodPost, usersPath, nil, createRequest{
		Email:        account.Email,
		Password:     account.Password,
		EmailConfirm: true,
		UserMetadata: metadata,
	}, &created)
	if err != nil {
		if IsAlreadyExists(err) {
			c.logger.Debug("account already exists", zap.String("email", account.Email))
			return usersync.Account{}, fmt.Errorf("%w: %w", usersync.ErrConflict, err)
		}
		return usersync.Account{}, err
	}
	return toAccount(created), nil
}

type updateRequest struct {
	Email        string         `json:"email,omitempty"`
	EmailConfirm bool           `json:"email_confirm,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// UpdateAccount changes the email (confirmed) and/or merges the external id
// into user_metadata.
func (c *Client) UpdateAccount(ctx context.Context, id string, update usersync.AccountUpdate) (usersync.Account, error) {
	body := updateRequest{}
	if update.Email != "" {
		body.Email = update.Email
		body.EmailConfirm = true
	}
	if update.ExternalID != "" {
		body.UserMetadata = map[string]any{"kintone_record_id": update.ExternalID}
	}
	var updated user
	if err := c.rest.DoJSON(ctx, http.MethodPut, usersPath+"/"+url.PathEscape(id), nil, body, &updated); err != nil {
		return usersync.Account{}, mapStatus(err)
	}
	return toAccount(updated), nil
}

func (c *Client) DeleteAccount(ctx context.Context, id string) error {
	return mapStatus(c.rest.DoJSON(ctx, http.MethodDelete, usersPath+"/"+url.PathEscape(id), nil, nil, nil))
}

var alreadyExistsCodes = map[string]struct{}{
	"user_already_registered": {},
	"duplicate_email":         {},
	"email_exists":            {},
}

var alreadyExistsPhrases = []string{
	"already been registered",
	"already exists",
	"already registered",
	"duplicate",
	"email already",
}

// IsAlreadyExists reports whether err is GoTrue refusing a duplicate email.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, restclient.ErrConflict) {
		return true
	}
	var httpErr *restclient.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if _, ok := alreadyExistsCodes[httpErr.Code]; ok {
		return true
	}
	message := strings.ToLower(httpErr.Message)
	for _, phrase := range alreadyExistsPhrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}

func mapStatus(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *restclient.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", usersync.ErrNotFound, err)
	}
	if IsAlreadyExists(err) {
		return fmt.Errorf("%w: %w", usersync.ErrConflict, err)
	}
	return err
}

func toAccount(u user) usersync.Account {
	account := usersync.Account{
		ID:               u.ID,
		Email:            u.Email,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
		EmailConfirmedAt: u.EmailConfirmedAt,
		Metadata:         u.UserMetadata,
	}
	account.ExternalID, account.ExternalIDType = externalID(u.UserMetadata["kintone_record_id"])
	account.IsInitialPassword = truthy(u.UserMetadata["is_initial_password"])
	return account
}

// externalID stringifies kintone_record_id, which older rows stored as a
// JSON number.
func externalID(value any) (string, string) {
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", ""
		}
		return strings.TrimSpace(v), "string"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), "number"
	case json.Number:
		return v.String(), "number"
	default:
		return "", ""
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}
