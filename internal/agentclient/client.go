// ABOUTME: HTTP client that registers and authenticates an agent with a gateway
// ABOUTME: Signs challenges with a sigverify.Signer and attaches the issued credential

package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/discovery"
	"github.com/2389/agentgate/internal/registration"
	"github.com/2389/agentgate/internal/sigverify"
)

// Client talks to one agentgate service on behalf of one agent key.
type Client struct {
	baseURL *url.URL
	client  *http.Client
	signer  sigverify.Signer
	logger  *slog.Logger

	mu        sync.RWMutex
	doc       *discovery.Document
	agentID   string
	apiKey    string
	token     string
	expiresAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the service at baseURL.
func New(baseURL string, signer sigverify.Signer, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL: u,
		client:  &http.Client{Timeout: 30 * time.Second},
		signer:  signer,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "agentclient")
	return c, nil
}

// RegisterOptions are the optional fields of a registration request.
type RegisterOptions struct {
	Scopes   []string
	Wallet   string
	Metadata map[string]string
}

// Discover fetches and caches the service's discovery document.
func (c *Client) Discover(ctx context.Context) (*discovery.Document, error) {
	var doc discovery.Document
	if err := c.call(ctx, http.MethodGet, c.resolve(discovery.PathWellKnown), nil, &doc); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.doc = &doc
	c.mu.Unlock()
	return &doc, nil
}

// Register runs the full registration handshake and stores the credential.
func (c *Client) Register(ctx context.Context, opts RegisterOptions) (*registration.Credentials, error) {
	registerURL, verifyURL, _ := c.endpoints()

	var ch registration.ChallengeResponse
	err := c.call(ctx, http.MethodPost, registerURL, registration.RegisterRequest{
		PublicKey:       c.signer.PublicKey(),
		RequestedScopes: opts.Scopes,
		X402Wallet:      opts.Wallet,
		Metadata:        opts.Metadata,
	}, &ch)
	if err != nil {
		return nil, err
	}

	signed, err := c.sign(ctx, ch.Challenge)
	if err != nil {
		return nil, err
	}
	var creds registration.Credentials
	if err := c.call(ctx, http.MethodPost, verifyURL, signed, &creds); err != nil {
		return nil, err
	}
	c.store(&creds)
	c.logger.Info("registered", "agent_id", creds.AgentID, "scopes", creds.ScopesGranted)
	return &creds, nil
}

// authResponse is the body returned by a signed POST /auth.
type authResponse struct {
	AgentID   string    `json:"agentId"`
	Token     string    `json:"token"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Authenticate obtains a fresh JWT for an already registered key.
func (c *Client) Authenticate(ctx context.Context) (*registration.Credentials, error) {
	_, _, authURL := c.endpoints()

	var ch registration.ChallengeResponse
	if err := c.call(ctx, http.MethodPost, authURL, map[string]string{"publicKey": c.signer.PublicKey()}, &ch); err != nil {
		return nil, err
	}
	signed, err := c.sign(ctx, ch.Challenge)
	if err != nil {
		return nil, err
	}
	var resp authResponse
	if err := c.call(ctx, http.MethodPost, authURL, signed, &resp); err != nil {
		return nil, err
	}
	creds := &registration.Credentials{
		AgentID:       resp.AgentID,
		Token:         resp.Token,
		ScopesGranted: resp.Scopes,
		ExpiresAt:     &resp.ExpiresAt,
	}
	c.store(creds)
	return creds, nil
}

// AgentID returns the id assigned at registration, if any.
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// Credential returns the current bearer credential. A token is preferred
// over an API key.
func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		return c.token
	}
	return c.apiKey
}

// TokenExpired reports whether the held JWT expires within skew. It is false
// for API-key credentials, which do not expire.
func (c *Client) TokenExpired(skew time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return false
	}
	return !time.Now().Add(skew).Before(c.expiresAt)
}

// Do sends req with the current credential attached. Non-2xx responses are
// returned as *apierr.Error; the response body is already closed in that case.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if cred := c.Credential(); cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// Get issues an authenticated GET for path relative to the base URL and
// decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) sign(ctx context.Context, nonce string) (registration.VerifyRequest, error) {
	sig, err := sigverify.SignChallenge(ctx, c.signer, nonce)
	if err != nil {
		return registration.VerifyRequest{}, fmt.Errorf("signing challenge: %w", err)
	}
	return registration.VerifyRequest{PublicKey: c.signer.PublicKey(), Nonce: nonce, Signature: sig}, nil
}

func (c *Client) store(creds *registration.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = creds.AgentID
	if creds.APIKey != "" {
		c.apiKey = creds.APIKey
	}
	if creds.Token != "" {
		c.token = creds.Token
		if creds.ExpiresAt != nil {
			c.expiresAt = *creds.ExpiresAt
		}
	}
}

// endpoints returns the register, verify and auth URLs, taken from the
// discovery document when one has been fetched.
func (c *Client) endpoints() (string, string, string) {
	c.mu.RLock()
	doc := c.doc
	c.mu.RUnlock()

	register, verify, auth := discovery.PathRegister, discovery.PathVerify, discovery.PathAuth
	if doc != nil {
		register = orDefault(doc.RegistrationEndpoint, register)
		verify = orDefault(doc.VerifyEndpoint, verify)
		auth = orDefault(doc.AuthEndpoint, auth)
	}
	return c.resolve(register), c.resolve(verify), c.resolve(auth)
}

// resolve turns a path or absolute URL into an absolute URL.
func (c *Client) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return c.baseURL.String() + ref
	}
	if u.IsAbs() {
		return u.String()
	}
	return c.baseURL.String() + "/" + strings.TrimPrefix(u.String(), "/")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// call sends a JSON request and decodes a JSON response.
func (c *Client) call(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type errorBody struct {
	Error struct {
		Code    apierr.Kind    `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// decodeError turns an error response into an *apierr.Error. Bodies that are
// not in the protocol error shape become KindInternal.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var eb errorBody
	if json.Unmarshal(data, &eb) != nil || eb.Error.Code == "" {
		return apierr.New(apierr.KindInternal, fmt.Sprintf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
	e := apierr.New(eb.Error.Code, eb.Error.Message)
	for k, v := range eb.Error.Details {
		e = e.WithDetail(k, v)
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e = e.WithRetryAfter(time.Duration(secs) * time.Second)
	}
	return e
}
