package whiteboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultTokenBuffer       = 5 * time.Minute
	defaultRefreshMaxRetries = 3
	defaultRefreshBaseDelay  = time.Second
	defaultRefreshMaxDelay   = 8 * time.Second
)

type TokenManagerOptions struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Store        TokenStore
	HTTPClient   *http.Client
	// Buffer is how long before expiry a token stops being served from cache.
	Buffer     time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *logrus.Logger
	Now        func() time.Time
}

// TokenManager maps account ids to valid access tokens, refreshing them via
// the provider's refresh-token grant before they expire. Refreshes for one
// account are strictly serialized: concurrent callers wait on the refresh
// already in flight instead of starting a second exchange.
type TokenManager struct {
	clientID     string
	clientSecret string
	tokenURL     string
	store        TokenStore
	httpClient   *http.Client
	buffer       time.Duration
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	log          *logrus.Logger
	now          func() time.Time

	mu       sync.Mutex
	accounts map[string]*accountTokenState
}

type accountTokenState struct {
	record  *TokenRecord
	loaded  bool
	refresh *refreshFlight
}

type refreshFlight struct {
	done  chan struct{}
	token string
	err   error
}

type tokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func NewTokenManager(opts TokenManagerOptions) (*TokenManager, error) {
	if strings.TrimSpace(opts.ClientID) == "" {
		return nil, &ConfigError{Field: "clientId"}
	}
	if strings.TrimSpace(opts.ClientSecret) == "" {
		return nil, &ConfigError{Field: "clientSecret"}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, &ConfigError{Field: "baseUrl"}
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryTokenStore()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultTokenBuffer
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultRefreshMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRefreshBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRefreshMaxDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		tokenURL:     baseURL + "/v1/oauth/token",
		store:        store,
		httpClient:   httpClient,
		buffer:       buffer,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		log:          logger,
		now:          now,
		accounts:     map[string]*accountTokenState{},
	}, nil
}

// SetToken seeds or replaces an account's credentials, writing through to the
// store. Used when the authorization-code flow (outside this package) hands
// over an initial token set.
func (m *TokenManager) SetToken(ctx context.Context, accountID string, record TokenRecord) error {
	m.mu.Lock()
	state := m.stateLocked(accountID)
	state.record = &record
	state.loaded = true
	m.mu.Unlock()
	return m.store.Save(ctx, accountID, record)
}

// GetValidToken returns an access token valid for at least the buffer window,
// refreshing first when needed. The hot path is a map read under the mutex.
func (m *TokenManager) GetValidToken(ctx context.Context, accountID string) (string, error) {
	if strings.TrimSpace(accountID) == "" {
		return "", &InvalidRequestError{Message: "account id is required"}
	}

	m.mu.Lock()
	state := m.stateLocked(accountID)
	if !state.loaded {
		// First access for this account: fall back to the durable store.
		m.mu.Unlock()
		record, err := m.store.Load(ctx, accountID)
		if err != nil {
			return "", fmt.Errorf("load token record: %w", err)
		}
		m.mu.Lock()
		state = m.stateLocked(accountID)
		if !state.loaded {
			state.record = record
			state.loaded = true
		}
	}

	if state.record != nil && state.record.Expiry.Sub(m.now()) > m.buffer {
		token := state.record.AccessToken
		m.mu.Unlock()
		return token, nil
	}

	if state.refresh != nil {
		flight := state.refresh
		m.mu.Unlock()
		select {
		case <-flight.done:
			return flight.token, flight.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	flight := &refreshFlight{done: make(chan struct{})}
	state.refresh = flight
	var refreshToken string
	if state.record != nil {
		refreshToken = state.record.RefreshToken
	}
	m.mu.Unlock()

	token, err := m.refresh(ctx, accountID, refreshToken)
	flight.token = token
	flight.err = err

	m.mu.Lock()
	state.refresh = nil
	m.mu.Unlock()
	close(flight.done)

	return token, err
}

func (m *TokenManager) stateLocked(accountID string) *accountTokenState {
	state, ok := m.accounts[accountID]
	if !ok {
		state = &accountTokenState{}
		m.accounts[accountID] = state
	}
	return state
}

// refresh performs the refresh-token exchange, retrying transient transport
// and 5xx failures with exponential backoff. 401/403 are terminal.
func (m *TokenManager) refresh(ctx context.Context, accountID, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", &AuthError{StatusCode: 401, Message: "no refresh token on file for account " + accountID}
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		tokens, err := m.exchange(ctx, refreshToken)
		if err == nil {
			record := TokenRecord{
				AccessToken:  tokens.AccessToken,
				RefreshToken: tokens.RefreshToken,
				Expiry:       m.now().Add(time.Duration(tokens.ExpiresIn) * time.Second),
			}
			if record.RefreshToken == "" {
				// Provider did not rotate the refresh token.
				record.RefreshToken = refreshToken
			}
			m.mu.Lock()
			state := m.stateLocked(accountID)
			state.record = &record
			state.loaded = true
			m.mu.Unlock()
			if saveErr := m.store.Save(ctx, accountID, record); saveErr != nil {
				m.log.WithField("accountId", accountID).WithError(saveErr).Warn("token store save failed")
			}
			m.log.WithField("accountId", accountID).Debug("access token refreshed")
			return record.AccessToken, nil
		}

		lastErr = err
		if !retryableError(err) || attempt == m.maxRetries {
			return "", err
		}
		if waitErr := sleepContext(ctx, backoffDelay(m.baseDelay, m.maxDelay, attempt)); waitErr != nil {
			return "", waitErr
		}
	}
	return "", lastErr
}

func (m *TokenManager) exchange(ctx context.Context, refreshToken string) (*tokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: "refresh token rejected"}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: "token_refresh_error", Message: "token refresh failed"}
	}

	var tokens tokenSet
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: "token_refresh_error", Message: "token response missing access_token"}
	}
	return &tokens, nil
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
