package kintone

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/restclient"
	"github.com/quizdeck/accountsync/internal/usersync"
)

const (
	recordsPath = "/k/v1/records.json"

	// MaxLimit is the largest page kintone returns for one request.
	MaxLimit = 500

	DefaultGroupTable = "permissionGroup"
	DefaultGroupField = "groupName"
)

type Config struct {
	Subdomain string
	AppID     string
	APIToken  string
	// BaseURL overrides https://<subdomain>.cybozu.com.
	BaseURL    string
	GroupTable string
	GroupField string
	HTTPClient *http.Client
	MaxRetries int
	Logger     *zap.Logger
}

// Client reads app records through the kintone REST API. It implements
// usersync.RecordSource.
type Client struct {
	rest       *restclient.Client
	appID      string
	groupTable string
	groupField string
	logger     *zap.Logger
}

var _ usersync.RecordSource = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	var missing []string
	if strings.TrimSpace(cfg.Subdomain) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		missing = append(missing, "KINTONE_SUBDOMAIN")
	}
	if strings.TrimSpace(cfg.AppID) == "" {
		missing = append(missing, "KINTONE_APP_ID")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		missing = append(missing, "KINTONE_API_TOKEN")
	}
	if len(missing) > 0 {
		return nil, &usersync.ConfigurationError{Missing: missing}
	}
	appID := strings.TrimSpace(cfg.AppID)
	if _, err := strconv.ParseUint(appID, 10, 64); err != nil {
		return nil, &usersync.ValidationError{Field: "KINTONE_APP_ID", Reason: fmt.Sprintf("%q is not a numeric app id", appID)}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://" + strings.TrimSpace(cfg.Subdomain) + ".cybozu.com"
	}
	groupTable := cfg.GroupTable
	if groupTable == "" {
		groupTable = DefaultGroupTable
	}
	groupField := cfg.GroupField
	if groupField == "" {
		groupField = DefaultGroupField
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rest: restclient.New(restclient.Options{
			BaseURL:    baseURL,
			Headers:    map[string]string{"X-Cybozu-API-Token": strings.TrimSpace(cfg.APIToken)},
			HTTPClient: cfg.HTTPClient,
			MaxRetries: cfg.MaxRetries,
		}),
		appID:      appID,
		groupTable: groupTable,
		groupField: groupField,
		logger:     logger.Named("kintone"),
	}, nil
}

type recordsResponse struct {
	Records    []Record `json:"records"`
	TotalCount *string  `json:"totalCount"`
}

func (c *Client) records(ctx context.Context, query string) ([]Record, error) {
	params := url.Values{}
	params.Set("app", c.appID)
	if query != "" {
		params.Set("query", query)
	}
	c.logger.Debug("fetching records", zap.String("query", query))
	var resp recordsResponse
	if err := c.rest.DoJSON(ctx, http.MethodGet, recordsPath+"?"+params.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *Client) FetchRecords(ctx context.Context, req usersync.FetchRequest) ([]usersync.ExternalRecord, error) {
	limit := req.Limit
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	raw, err := c.records(ctx, BuildQuery(req.Query, req.Cursor, limit))
	if err != nil {
		return nil, err
	}
	out := make([]usersync.ExternalRecord, 0, len(raw))
	for _, record := range raw {
		out = append(out, c.extract(record, req.EmailField))
	}
	return out, nil
}

func (c *Client) FindByEmail(ctx context.Context, emailField, email string) (usersync.ExternalRecord, bool, error) {
	if emailField == "" {
		emailField = "email"
	}
	query := fmt.Sprintf(`%s = "%s" order by $id asc limit 1`, emailField, EscapeString(strings.TrimSpace(email)))
	raw, err := c.records(ctx, query)
	if err != nil {
		return usersync.ExternalRecord{}, false, err
	}
	if len(raw) == 0 {
		return usersync.ExternalRecord{}, false, nil
	}
	return c.extract(raw[0], emailField), true, nil
}

func (c *Client) Probe(ctx context.Context, rawQuery string) (int, error) {
	raw, err := c.records(ctx, rawQuery)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

func (c *Client) extract(record Record, emailField string) usersync.ExternalRecord {
	return Extract(record, emailField, c.groupTable, c.groupField)
}
