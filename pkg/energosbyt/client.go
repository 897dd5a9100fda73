package energosbyt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lkcomu/lkcomu/pkg/common"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://my.mosenergosbyt.ru"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/76.0.3809.100 Safari/537.36"
	DefaultTimeout   = 30 * time.Second

	gatewayPath      = "gate_lkcomu"
	deviceAppVersion = "1.8.0"

	errCodeSessionExpired = 201
)

// backend error codes that mean the credentials were rejected
var authErrorCodes = map[int]bool{
	131: true,
	127: true,
	114: true,
}

var errSessionExpired = errors.New("session expired")

// ClientConfig holds the settings needed to talk to the gateway.
type ClientConfig struct {
	BaseURL   string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond limits the request rate. Zero means 5 per second.
	RequestsPerSecond float64
	// Now is the clock used for provider calendars. Defaults to time.Now.
	Now func() time.Time
}

// Client is a session bound client for the shared billing gateway. It is safe
// for concurrent use.
type Client struct {
	client    *http.Client
	baseURL   string
	username  string
	password  string
	userAgent string
	limiter   *rate.Limiter
	now       func() time.Time

	// loginMu serializes logins so concurrent expired requests only re-login once
	loginMu sync.Mutex

	mu         sync.Mutex
	sessionID  string
	token      string
	profileID  string
	generation int
	loggedInAt time.Time
	accounts   []RawAccount
	floatFlags map[string]bool
	phone      *string
}

// NewClient creates a gateway client. No request is made until the first call.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		client:     common.HTTPClientWithUserAgent(cfg.Timeout, cfg.UserAgent),
		baseURL:    cfg.BaseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		userAgent:  cfg.UserAgent,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		now:        cfg.Now,
		floatFlags: make(map[string]bool),
	}
}

// Username returns the login the client authenticates with.
func (c *Client) Username() string {
	return c.username
}

// LoggedInAt returns when the current session was established, or the zero
// time if there is no session.
func (c *Client) LoggedInAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedInAt
}

type loginProfile struct {
	IDProfile *json.Number `json:"id_profile"`
	Session   string       `json:"session"`
	NewToken  string       `json:"new_token"`
	NmResult  string       `json:"nm_result"`
}

type deviceInfo struct {
	AppVer    string `json:"appver"`
	Type      string `json:"type"`
	UserAgent string `json:"userAgent"`
}

// Login authenticates and establishes a new session.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	if c.username == "" {
		return &AuthenticationError{Message: "missing username"}
	}
	if c.password == "" {
		return &AuthenticationError{Message: "missing password"}
	}

	info, err := json.Marshal(deviceInfo{
		AppVer:    deviceAppVersion,
		Type:      "browser",
		UserAgent: c.userAgent,
	})
	if err != nil {
		return err
	}

	data := url.Values{}
	data.Set("login", c.username)
	data.Set("psw", c.password)
	data.Set("remember", "true")
	data.Set("vl_device_info", string(info))

	var profiles []loginProfile
	if err := c.do(ctx, "auth", "login", data, "", &profiles); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "gateway login failed", slog.String("username", log.MaskUsername(c.username)), slog.Any("error", err))
		var be *BackendError
		if errors.As(err, &be) {
			return &AuthenticationError{Code: be.Code, Message: be.Message}
		}
		if errors.Is(err, errSessionExpired) {
			return &AuthenticationError{Code: errCodeSessionExpired, Message: "login rejected"}
		}
		return fmt.Errorf("login failed: %w", err)
	}
	if len(profiles) == 0 {
		return &AuthenticationError{Message: "empty login response"}
	}
	profile := profiles[0]
	if profile.IDProfile == nil {
		return &AuthenticationError{Message: profile.NmResult}
	}

	c.mu.Lock()
	c.sessionID = profile.Session
	c.token = profile.NewToken
	c.profileID = profile.IDProfile.String()
	c.generation++
	c.loggedInAt = c.now()
	c.mu.Unlock()

	for _, query := range []string{"Init", "NoticeRoutine"} {
		if err := c.do(ctx, "sql", query, nil, profile.Session, nil); err != nil {
			c.clearSession()
			if errors.Is(err, errSessionExpired) {
				return &AuthenticationError{Code: errCodeSessionExpired, Message: query + " rejected the new session"}
			}
			return fmt.Errorf("%s failed: %w", query, err)
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "gateway login success", slog.String("username", log.MaskUsername(c.username)))
	return nil
}

// ensureSession logs in if there is no session and returns the current
// session and its generation.
func (c *Client) ensureSession(ctx context.Context) (string, int, error) {
	c.mu.Lock()
	session, gen := c.sessionID, c.generation
	c.mu.Unlock()
	if session != "" {
		return session, gen, nil
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	// another goroutine might have logged in while we waited
	c.mu.Lock()
	session, gen = c.sessionID, c.generation
	c.mu.Unlock()
	if session != "" {
		return session, gen, nil
	}

	if err := c.login(ctx); err != nil {
		return "", 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.generation, nil
}

// relogin replaces the session of generation gen. If another goroutine has
// already replaced it, nothing is done.
func (c *Client) relogin(ctx context.Context, gen int) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	c.mu.Lock()
	current := c.generation
	c.mu.Unlock()
	if current != gen {
		return nil
	}

	metrics.ObserveRelogin()
	c.clearSession()
	return c.login(ctx)
}

// Request performs a gateway call and decodes the data rows into dest. An
// expired session is restored with a single re-login followed by a single
// retry.
func (c *Client) Request(ctx context.Context, action, query string, fields url.Values, dest any) error {
	// we try up to 2 times because the session might have expired
	for i := 0; i < 2; i++ {
		session, gen, err := c.ensureSession(ctx)
		if err != nil {
			return err
		}

		err = c.do(ctx, action, query, fields, session, dest)
		if !errors.Is(err, errSessionExpired) {
			return err
		}
		if i > 0 {
			break
		}

		log.Ctx(ctx).DebugContext(ctx, "gateway session expired", slog.String("query", query))
		if err := c.relogin(ctx, gen); err != nil {
			return err
		}
	}
	return &AuthenticationError{Code: errCodeSessionExpired, Message: "session expired again after re-login"}
}

// SQL performs an action=sql call.
func (c *Client) SQL(ctx context.Context, query string, fields url.Values, dest any) error {
	return c.Request(ctx, "sql", query, fields, dest)
}

// Proxy performs a call to a provider specific proxy plugin on behalf of an
// account.
func (c *Client) Proxy(ctx context.Context, plugin, proxyQuery, providerPayload string, fields url.Values, dest any) error {
	data := url.Values{}
	for k, v := range fields {
		data[k] = v
	}
	data.Set("plugin", plugin)
	data.Set("proxyquery", proxyQuery)
	data.Set("vl_provider", providerPayload)
	if err := c.Request(ctx, "sql", plugin, data, dest); err != nil {
		return fmt.Errorf("%s/%s: %w", plugin, proxyQuery, err)
	}
	return nil
}

type gatewayResponse struct {
	Success *bool           `json:"success"`
	ErrCode int             `json:"err_code"`
	ErrText string          `json:"err_text"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) newGatewayRequest(ctx context.Context, action, query, session string, fields url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, gatewayPath)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("action", action)
	params.Set("query", query)
	if session != "" {
		params.Set("session", session)
	}
	u.RawQuery = params.Encode()

	var body io.Reader = http.NoBody
	if len(fields) > 0 {
		body = strings.NewReader(fields.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// do performs exactly one round trip.
func (c *Client) do(ctx context.Context, action, query string, fields url.Values, session string, dest any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransportError{Query: query, Err: err}
	}

	req, err := c.newGatewayRequest(ctx, action, query, session, fields)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ObserveGatewayRequest(query, metrics.ResultError)
		return &TransportError{Query: query, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveGatewayRequest(query, metrics.ResultError)
		return &TransportError{Query: query, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		metrics.ObserveGatewayRequest(query, metrics.ResultError)
		return &TransportError{Query: query, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var gr gatewayResponse
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&gr); err != nil {
		metrics.ObserveGatewayRequest(query, metrics.ResultError)
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode gateway response", slog.String("query", query), slog.Any("error", err), slog.String("body", snippet(body)))
		return &TransportError{Query: query, Err: fmt.Errorf("response contains invalid JSON: %w", err)}
	}

	if gr.Success == nil || !*gr.Success {
		if gr.ErrCode == errCodeSessionExpired {
			metrics.ObserveGatewayRequest(query, metrics.ResultRelogin)
			return errSessionExpired
		}
		metrics.ObserveGatewayRequest(query, metrics.ResultError)
		if authErrorCodes[gr.ErrCode] {
			return &AuthenticationError{Code: gr.ErrCode, Message: gr.ErrText}
		}
		log.Ctx(ctx).ErrorContext(ctx, "gateway api error", slog.String("query", query), slog.Int("code", gr.ErrCode), slog.String("message", gr.ErrText))
		return &BackendError{Query: query, Code: gr.ErrCode, Message: gr.ErrText, Raw: snippet(body)}
	}
	metrics.ObserveGatewayRequest(query, metrics.ResultSuccess)

	if dest == nil || len(gr.Data) == 0 || string(gr.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(gr.Data, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode gateway data", slog.String("query", query), slog.Any("error", err))
		return &BackendError{Query: query, Message: fmt.Sprintf("unexpected data: %v", err), Raw: snippet(body)}
	}
	return nil
}

func (c *Client) clearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.token = ""
	c.profileID = ""
	c.loggedInAt = time.Time{}
	c.accounts = nil
	c.floatFlags = make(map[string]bool)
	c.phone = nil
}

// Logout drops the session and every cache bound to it.
func (c *Client) Logout(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	c.clearSession()
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
	log.Ctx(ctx).DebugContext(ctx, "gateway logout", slog.String("username", log.MaskUsername(c.username)))
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Accounts returns the raw account list of the profile. The list is cached
// for the lifetime of the session unless refresh is set.
func (c *Client) Accounts(ctx context.Context, refresh bool) ([]RawAccount, error) {
	if !refresh {
		c.mu.Lock()
		cached := c.accounts
		c.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
	}

	var rows []RawAccount
	if err := c.SQL(ctx, "LSList", nil, &rows); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	if rows == nil {
		rows = []RawAccount{}
	}

	c.mu.Lock()
	c.accounts = rows
	c.mu.Unlock()
	return rows, nil
}

type profileAttribute struct {
	Name  string `json:"nm_attribute"`
	Value string `json:"vl_attribute"`
}

// ContactPhone returns the phone number attached to the profile, cached for
// the lifetime of the session.
func (c *Client) ContactPhone(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.phone
	c.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	var attrs []profileAttribute
	if err := c.SQL(ctx, "GetProfileAttributesValues", nil, &attrs); err != nil {
		return "", fmt.Errorf("failed to get profile attributes: %w", err)
	}
	var phone string
	for _, a := range attrs {
		if a.Name == "phone" {
			phone = a.Value
			break
		}
	}

	c.mu.Lock()
	c.phone = &phone
	c.mu.Unlock()
	return phone, nil
}

func (c *Client) cachedFloatFlag(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.floatFlags[key]
	return v, ok
}

func (c *Client) storeFloatFlag(key string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.floatFlags[key] = v
}
