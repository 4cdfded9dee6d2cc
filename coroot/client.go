package coroot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// DefaultTimeout bounds every individual request to the backend.
const DefaultTimeout = 15 * time.Second

// apiKeyDescription marks keys generated by this service so operators can
// tell them apart from manually created ones in the project settings.
const apiKeyDescription = "agent-provisioning"

// Config holds connection and authentication settings for the backend.
type Config struct {
	// BaseURL is the root of the Coroot server, e.g. https://table.beerpub.dev.
	BaseURL string

	// Email and Password authenticate the session used for project
	// management. The account must be allowed to create projects.
	Email    string
	Password string

	// Timeout overrides DefaultTimeout when non-zero.
	Timeout time.Duration
}

// statusError carries a non-2xx response so callers can branch on the code.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// Client implements interfaces.TenantBackend against the Coroot project API.
// A single cookie session is shared across calls and re-established on 401.
type Client struct {
	baseURL   string
	email     string
	password  string
	client    *http.Client
	endpoints *EndpointSet
	log       *slog.Logger

	mu     sync.Mutex
	authed bool
}

// NewClient validates the configuration and returns a Client. The endpoint
// set is consulted on every successful provision to fill in the tenant's
// ingest and UI addresses.
func NewClient(cfg Config, endpoints *EndpointSet, log *slog.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend base URL %q", cfg.BaseURL)
	}
	if cfg.Email == "" || cfg.Password == "" {
		return nil, fmt.Errorf("backend credentials not configured")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL:   base,
		email:     cfg.Email,
		password:  cfg.Password,
		client:    &http.Client{Jar: jar, Timeout: timeout},
		endpoints: endpoints,
		log:       log,
	}, nil
}

// projectInfo is the subset of the project payload this service reads.
type projectInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// apiKeyInfo describes one ingestion key in the project settings.
type apiKeyInfo struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// CreateOrFetch resolves the derived tenant identifier to a backend project,
// creating it when absent. The returned flag reports whether this call
// created the project. The operation is idempotent: when a concurrent caller
// wins the creation race the conflict is resolved by fetching the existing
// project.
func (c *Client) CreateOrFetch(ctx context.Context, id interfaces.TenantID) (*interfaces.Tenant, bool, error) {
	name := string(id)

	if err := c.ensureSession(ctx); err != nil {
		return nil, false, err
	}

	project, err := c.findProject(ctx, name)
	if err != nil {
		return nil, false, err
	}

	created := false
	if project == nil {
		project, err = c.createProject(ctx, name)
		var se *statusError
		switch {
		case err == nil:
			created = true
		case errors.As(err, &se) && se.Code == http.StatusConflict:
			// Lost a creation race; the project exists now.
			project, err = c.findProject(ctx, name)
			if err != nil {
				return nil, false, err
			}
			if project == nil {
				return nil, false, fmt.Errorf("project %s reported as conflict but not listed", name)
			}
		default:
			return nil, false, err
		}
	}

	apiKey, err := c.ensureAPIKey(ctx, project.ID)
	if err != nil {
		return nil, false, err
	}

	tenant := &interfaces.Tenant{
		ExternalID: project.ID,
		Name:       interfaces.TenantID(project.Name),
		APIKey:     apiKey,
		Endpoints:  c.endpoints.For(project.ID),
	}
	return tenant, created, nil
}

// ensureSession logs in once and keeps the resulting cookie in the jar.
// Expired sessions are detected by doJSON, which clears the flag and retries.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authed {
		return nil
	}

	body := map[string]string{"email": c.email, "password": c.password}
	if err := c.rawJSON(ctx, http.MethodPost, "/api/login", body, nil); err != nil {
		return fmt.Errorf("backend login failed: %w", err)
	}
	c.authed = true
	c.log.Debug("Authenticated to tenant backend", "url", c.baseURL)
	return nil
}

func (c *Client) findProject(ctx context.Context, name string) (*projectInfo, error) {
	var projects []projectInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/projects", nil, &projects); err != nil {
		return nil, fmt.Errorf("could not list projects: %w", err)
	}
	for i := range projects {
		if projects[i].Name == name {
			return &projects[i], nil
		}
	}
	return nil, nil
}

func (c *Client) createProject(ctx context.Context, name string) (*projectInfo, error) {
	var project projectInfo
	err := c.doJSON(ctx, http.MethodPost, "/api/project/", map[string]string{"name": name}, &project)
	if err != nil {
		return nil, err
	}
	if project.ID == "" {
		return nil, fmt.Errorf("backend returned project without id for %s", name)
	}
	c.log.Info("Created backend project", "project", name, "id", project.ID)
	return &project, nil
}

// ensureAPIKey returns the key this service generated for the project,
// generating one when none exists yet. Keys created by operators for other
// purposes are left alone.
func (c *Client) ensureAPIKey(ctx context.Context, projectID string) (string, error) {
	path := fmt.Sprintf("/api/project/%s/api_keys", url.PathEscape(projectID))

	var keys []apiKeyInfo
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &keys); err != nil {
		return "", fmt.Errorf("could not list api keys: %w", err)
	}
	for _, k := range keys {
		if k.Description == apiKeyDescription && k.Key != "" {
			return k.Key, nil
		}
	}

	req := map[string]string{"action": "generate", "description": apiKeyDescription}
	keys = nil
	if err := c.doJSON(ctx, http.MethodPost, path, req, &keys); err != nil {
		return "", fmt.Errorf("could not generate api key: %w", err)
	}
	for _, k := range keys {
		if k.Description == apiKeyDescription && k.Key != "" {
			return k.Key, nil
		}
	}
	return "", fmt.Errorf("backend did not return a generated api key for project %s", projectID)
}

// doJSON performs an authenticated request, re-establishing the session once
// when the backend reports 401 for a previously valid cookie.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	err := c.rawJSON(ctx, method, path, body, out)
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		c.mu.Lock()
		c.authed = false
		c.mu.Unlock()
		if err := c.ensureSession(ctx); err != nil {
			return err
		}
		return c.rawJSON(ctx, method, path, body, out)
	}
	return err
}

func (c *Client) rawJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("could not parse response from %s: %w", path, err)
	}
	return nil
}
