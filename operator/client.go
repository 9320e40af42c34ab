// Package operator is the HTTP client for the off-chain operator
// service: the party running the sandboxes that execute the trading
// agents. The tracker consumes two endpoints, the bot listing and the
// per-request provisioning progress.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("operator")

// ErrAuthExpired is returned when the operator rejects the bearer token
// and re-authentication also failed.
var ErrAuthExpired = xerrors.New("operator auth token expired")

// tokenExpiredMarker shows up in the error field of 200-status error
// bodies from older operator deployments that don't send a proper 401.
const tokenExpiredMarker = "token expired"

// Bot is one entry of the operator's bot listing.
type Bot struct {
	ID                string `json:"id"`
	OperatorAddress   string `json:"operator_address"`
	VaultAddress      string `json:"vault_address"`
	StrategyType      string `json:"strategy_type"`
	TradingActive     bool   `json:"trading_active"`
	PaperTrade        bool   `json:"paper_trade"`
	CreatedAt         string `json:"created_at"`
	SandboxID         string `json:"sandbox_id"`
	SecretsConfigured *bool  `json:"secrets_configured,omitempty"`
}

type listBotsResponse struct {
	Bots []Bot `json:"bots"`
}

// Progress is the operator's view of one provisioning request.
type Progress struct {
	Phase       string            `json:"phase"`
	ProgressPct int               `json:"progress_pct"`
	Message     string            `json:"message"`
	SandboxID   string            `json:"sandbox_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Ready reports whether the operator considers the request fully
// provisioned.
func (p *Progress) Ready() bool {
	return p.ProgressPct >= 100
}

// TokenSource supplies bearer tokens. Refresh is called at most once
// per failed request when the operator signals an expired token.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) error
}

// StaticToken is a TokenSource that cannot refresh.
type StaticToken string

func (t StaticToken) Token() string                     { return string(t) }
func (t StaticToken) Refresh(ctx context.Context) error { return ErrAuthExpired }

// Client talks to one operator service.
type Client struct {
	baseURL string
	hc      *http.Client

	tokLk sync.Mutex
	tok   TokenSource
}

func NewClient(baseURL string, tok TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 15 * time.Second},
		tok:     tok,
	}
}

// SetHTTPClient overrides the underlying HTTP client. Tests only.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.hc = hc
}

// ListBots fetches the operator's bot listing.
func (c *Client) ListBots(ctx context.Context, limit int) ([]Bot, error) {
	u := fmt.Sprintf("%s/api/bots?limit=%d", c.baseURL, limit)
	var res listBotsResponse
	if err := c.getJSON(ctx, u, &res); err != nil {
		return nil, xerrors.Errorf("listing operator bots: %w", err)
	}
	return res.Bots, nil
}

// ProvisionProgress fetches the provisioning progress for one call ID.
func (c *Client) ProvisionProgress(ctx context.Context, callID uint64) (*Progress, error) {
	u := fmt.Sprintf("%s/api/provisions/%d", c.baseURL, callID)
	var res Progress
	if err := c.getJSON(ctx, u, &res); err != nil {
		return nil, xerrors.Errorf("fetching provision progress for call %d: %w", callID, err)
	}
	return &res, nil
}

// ActivationProgress fetches the post-secrets activation status for one
// bot.
func (c *Client) ActivationProgress(ctx context.Context, botID string) (*Progress, error) {
	u := fmt.Sprintf("%s/api/bots/%s/activation-progress", c.baseURL, url.PathEscape(botID))
	var res Progress
	if err := c.getJSON(ctx, u, &res); err != nil {
		return nil, xerrors.Errorf("fetching activation progress for bot %s: %w", botID, err)
	}
	return &res, nil
}

// getJSON performs an authenticated GET, retrying exactly once through
// TokenSource.Refresh when the operator signals an expired token.
func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	body, expired, err := c.doGet(ctx, u)
	if expired {
		c.tokLk.Lock()
		rerr := c.tok.Refresh(ctx)
		c.tokLk.Unlock()
		if rerr != nil {
			return xerrors.Errorf("%w: %s", ErrAuthExpired, rerr)
		}
		log.Infow("operator token refreshed, retrying", "url", u)
		body, expired, err = c.doGet(ctx, u)
		if expired {
			return ErrAuthExpired
		}
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return xerrors.Errorf("decoding operator response: %w", err)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, u string) (body []byte, authExpired bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	if tok := c.tok.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer res.Body.Close() // nolint:errcheck

	body, err = io.ReadAll(res.Body)
	if err != nil {
		return nil, false, err
	}

	if res.StatusCode == http.StatusUnauthorized {
		return nil, true, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, false, xerrors.Errorf("operator returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if isTokenExpiredBody(body) {
		return nil, true, nil
	}
	return body, false, nil
}

// isTokenExpiredBody detects the 200-status error payload older
// operator deployments send for an expired token. Only the error field
// is inspected: the marker string is perfectly legal inside bot names
// or progress messages.
func isTokenExpiredBody(body []byte) bool {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return false
	}
	return strings.Contains(strings.ToLower(e.Error), tokenExpiredMarker)
}
