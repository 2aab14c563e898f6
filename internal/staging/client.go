// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package staging talks to an OSSRH style Nexus staging service.
package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cardinalhq/nexuspublisher/internal/logctx"
)

const (
	DefaultBaseURL = "https://s01.oss.sonatype.org"

	LoginPath       = "/service/local/authentication/login"
	UploadPath      = "/service/local/staging/bundle_upload"
	RepositoryPath  = "/service/local/staging/repository/"
	BulkDropPath    = "/service/local/staging/bulk/drop"
	BulkPromotePath = "/service/local/staging/bulk/promote"

	// UserAgent identifies this client to the staging service.
	UserAgent = "cardinalhq_nexuspublisher"
)

var (
	ErrAuthentication = errors.New("staging authentication failed")
	ErrTransport      = errors.New("staging transport failure")
)

// Credentials are the user name and token used for basic auth.
type Credentials struct {
	Username string
	Token    string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username:%s, Token:*****}", c.Username)
}

type Config struct {
	BaseURL        string
	Credentials    Credentials
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Response is the status and body of a completed HTTP exchange.
type Response struct {
	StatusCode int
	Body       string
}

// Client keeps one authenticated session (a cookie) for its lifetime.
// It never retries; callers decide what a failed call means.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client

	authMu        sync.Mutex
	authenticated bool
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	// A jar without a public suffix list accepts every cookie the server sets.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ConnectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		creds:   cfg.Credentials,
		http: &http.Client{
			Jar:       jar,
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}, nil
}

// Authenticate establishes the session. Later calls are no-ops once it succeeded.
func (c *Client) Authenticate(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.authenticated {
		return nil
	}

	req, err := c.newRequest(ctx, http.MethodGet, LoginPath, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.creds.Username, c.creds.Token)

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrAuthentication, resp.StatusCode, resp.Body)
	}
	c.authenticated = true
	logctx.FromContext(ctx).Info("Authenticated with staging service", "baseURL", c.baseURL, "user", c.creds.Username)
	return nil
}

// Upload posts archive as a single part multipart/form-data body.
func (c *Client) Upload(ctx context.Context, archive string) (Response, error) {
	if err := c.Authenticate(ctx); err != nil {
		return Response{}, err
	}

	f, err := os.Open(archive)
	if err != nil {
		return Response{}, fmt.Errorf("%w: opening %s: %v", ErrTransport, archive, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Response{}, fmt.Errorf("%w: stat %s: %v", ErrTransport, archive, err)
	}

	form := newFilePart(filepath.Base(archive), f, info.Size())
	req, err := c.newRequest(ctx, http.MethodPost, UploadPath, form.Reader())
	if err != nil {
		return Response{}, err
	}
	req.ContentLength = form.Len()
	req.Header.Set("Content-Type", form.ContentType())

	return c.do(req)
}

// Probe fetches the status document of a staging repository.
func (c *Client) Probe(ctx context.Context, repositoryID string) (Response, error) {
	if err := c.Authenticate(ctx); err != nil {
		return Response{}, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, RepositoryPath+repositoryID, nil)
	if err != nil {
		return Response{}, err
	}
	return c.do(req)
}

type bulkRequest struct {
	Data bulkData `json:"data"`
}

// bulkData is the body of the Nexus bulk endpoints. The promote variant
// follows the Nexus staging REST API and has not been verified against a
// live promotion.
type bulkData struct {
	StagedRepositoryIDs  []string `json:"stagedRepositoryIds"`
	Description          string   `json:"description,omitempty"`
	AutoDropAfterRelease bool     `json:"autoDropAfterRelease,omitempty"`
}

// BulkAction applies one bulk operation (drop, promote) to all repositoryIDs.
// Any non-2xx answer is returned as ErrTransport.
func (c *Client) BulkAction(ctx context.Context, actionPath string, repositoryIDs []string, description string) error {
	if err := c.Authenticate(ctx); err != nil {
		return err
	}

	payload := bulkRequest{Data: bulkData{
		StagedRepositoryIDs:  repositoryIDs,
		Description:          description,
		AutoDropAfterRelease: actionPath == BulkPromotePath,
	}}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding bulk request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, actionPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: status %d: %s", ErrTransport, actionPath, resp.StatusCode, resp.Body)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building %s %s: %v", ErrTransport, method, path, err)
	}
	req.Header.Set("User-Agent", UserAgent)
	return req, nil
}

func (c *Client) do(req *http.Request) (Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s %s: %w", ErrTransport, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: reading %s response: %v", ErrTransport, req.URL.Path, err)
	}
	return Response{StatusCode: resp.StatusCode, Body: string(body)}, nil
}
