package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lkarlslund/agentrelay/pkg/version"
)

var ErrMissingCredentials = errors.New("client credentials not configured")

// IssueError reports a failed token request. StatusCode is zero when the
// identity endpoint could not be reached at all.
type IssueError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *IssueError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("token request failed: %v", e.Err)
	}
	return fmt.Sprintf("token request status %d: %s", e.StatusCode, e.Body)
}

func (e *IssueError) Unwrap() error { return e.Err }

// IsAuthFailure reports whether err came out of credential issuance.
func IsAuthFailure(err error) bool {
	var ie *IssueError
	return errors.Is(err, ErrMissingCredentials) || errors.As(err, &ie)
}

// ClientCredentialsIssuer exchanges a client id and secret for a bearer token
// using the OAuth2 client-credentials grant.
type ClientCredentialsIssuer struct {
	TokenURL string
	// Credentials is consulted on every issuance so rotated secrets are
	// picked up without a restart.
	Credentials func() (clientID, clientSecret string)
	HTTPClient  *http.Client
}

func NewClientCredentialsIssuer(tokenURL string, credentials func() (string, string), timeout time.Duration) *ClientCredentialsIssuer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ClientCredentialsIssuer{
		TokenURL:    strings.TrimSpace(tokenURL),
		Credentials: credentials,
		HTTPClient:  &http.Client{Timeout: timeout},
	}
}

func (i *ClientCredentialsIssuer) Issue(ctx context.Context) (string, error) {
	var clientID, clientSecret string
	if i.Credentials != nil {
		clientID, clientSecret = i.Credentials()
	}
	clientID = strings.TrimSpace(clientID)
	clientSecret = strings.TrimSpace(clientSecret)
	if clientID == "" || clientSecret == "" {
		return "", ErrMissingCredentials
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &IssueError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	cli := i.HTTPClient
	if cli == nil {
		cli = http.DefaultClient
	}
	log.Debug("requesting access token", "url", i.TokenURL)
	resp, err := cli.Do(req)
	if err != nil {
		return "", &IssueError{Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &IssueError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &IssueError{StatusCode: resp.StatusCode, Body: truncate(string(b), 500)}
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", &IssueError{StatusCode: resp.StatusCode, Body: truncate(string(b), 500), Err: err}
	}
	token := strings.TrimSpace(out.AccessToken)
	if token == "" {
		return "", &IssueError{StatusCode: resp.StatusCode, Err: errors.New("response has no access_token")}
	}
	return token, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
