package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/lkarlslund/agentrelay/pkg/version"
)

const defaultTimeout = 30 * time.Second

// Upstream response fields that may carry the session id and the end link,
// in lookup order.
var (
	sessionIDPaths = []string{"sessionId", "id", "session.id", "sessionKey"}
	endURLPaths    = []string{"_links.end.href", "links.end.href"}
)

type Config struct {
	// Domain is the org instance URL, sent to the agent as its instance endpoint.
	Domain           string
	APIHost          string
	AgentID          string
	SessionKeyPrefix string
	BypassUser       bool
	Timeout          time.Duration
}

// Session is the result of a successful session creation.
type Session struct {
	ID          string `json:"sessionId"`
	EndURL      string `json:"endUrl,omitempty"`
	ExternalKey string `json:"-"`
}

// Client talks to the agent platform's session and streaming endpoints.
type Client struct {
	cfg    Config
	http   *http.Client
	stream *http.Client
	newKey func() string
}

func NewClient(cfg Config) *Client {
	cfg.Domain = strings.TrimRight(strings.TrimSpace(cfg.Domain), "/")
	cfg.APIHost = strings.TrimRight(strings.TrimSpace(cfg.APIHost), "/")
	cfg.AgentID = strings.TrimSpace(cfg.AgentID)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		// Streams live as long as the agent keeps talking; the request
		// context bounds them instead of a client timeout.
		stream: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.Timeout,
			IdleConnTimeout:       90 * time.Second,
		}},
		newKey: func() string { return uuid.New().String() },
	}
}

func (c *Client) sessionsURL() string {
	return fmt.Sprintf("%s/einstein/ai-agent/v1/agents/%s/sessions", c.cfg.APIHost, url.PathEscape(c.cfg.AgentID))
}

func (c *Client) streamURL(sessionID string) string {
	return fmt.Sprintf("%s/einstein/ai-agent/v1/sessions/%s/messages/stream", c.cfg.APIHost, url.PathEscape(sessionID))
}

// DefaultEndURL is used when the session creation response carried no end link.
func (c *Client) DefaultEndURL(sessionID string) string {
	return fmt.Sprintf("%s/einstein/ai-agent/v1/sessions/%s/end", c.cfg.APIHost, url.PathEscape(sessionID))
}

// AllowsURL reports whether raw points at the configured API host or org
// domain. The proxy attaches its bearer token to such requests.
func (c *Client) AllowsURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	for _, base := range []string{c.cfg.APIHost, c.cfg.Domain} {
		b, err := url.Parse(base)
		if err != nil || b.Host == "" {
			continue
		}
		if strings.EqualFold(b.Host, u.Host) && b.Scheme == u.Scheme {
			return true
		}
	}
	return false
}

type createSessionRequest struct {
	ExternalSessionKey string `json:"externalSessionKey"`
	InstanceConfig     struct {
		Endpoint string `json:"endpoint"`
	} `json:"instanceConfig"`
	StreamingCapabilities struct {
		ChunkTypes []string `json:"chunkTypes"`
	} `json:"streamingCapabilities"`
	BypassUser bool `json:"bypassUser"`
}

// CreateSession opens a new conversation with the agent.
func (c *Client) CreateSession(ctx context.Context, token string) (Session, error) {
	key := c.cfg.SessionKeyPrefix + c.newKey()
	payload := createSessionRequest{ExternalSessionKey: key, BypassUser: c.cfg.BypassUser}
	payload.InstanceConfig.Endpoint = c.cfg.Domain
	payload.StreamingCapabilities.ChunkTypes = []string{"Text"}

	u := c.sessionsURL()
	log.Info("creating agent session", "url", u, "external_key", key)
	status, body, err := c.postJSON(ctx, u, token, payload)
	if err != nil {
		return Session{}, &SessionInitError{Reason: ReasonTransport, Err: err}
	}
	log.Debug("session response", "status", status, "body", snippet(body))
	if status < 200 || status > 299 {
		return Session{}, &StatusError{Op: "create session", StatusCode: status, Body: snippet(body)}
	}
	if !gjson.ValidBytes(body) {
		return Session{}, &SessionInitError{Reason: ReasonMalformed, Body: snippet(body)}
	}
	id := firstString(body, sessionIDPaths...)
	if id == "" {
		return Session{}, &SessionInitError{Reason: ReasonNoSessionID, Body: snippet(body)}
	}
	return Session{
		ID:          id,
		EndURL:      firstString(body, endURLPaths...),
		ExternalKey: key,
	}, nil
}

type sendMessageRequest struct {
	Message struct {
		SequenceID int64  `json:"sequenceId"`
		Type       string `json:"type"`
		Text       string `json:"text"`
	} `json:"message"`
}

// SendMessage posts text on the session and returns the live event stream.
// The caller must close it.
func (c *Client) SendMessage(ctx context.Context, token, sessionID string, sequenceID int64, text string) (io.ReadCloser, error) {
	var payload sendMessageRequest
	payload.Message.SequenceID = sequenceID
	payload.Message.Type = "Text"
	payload.Message.Text = text
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	u := c.streamURL(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	setHeaders(req, token)
	req.Header.Set("Accept", "text/event-stream")

	log.Info("sending message", "session", sessionID, "sequence", sequenceID)
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{Op: "send message", StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	return resp.Body, nil
}

// EndSession terminates the session at endURL, or at the default end
// endpoint when endURL is empty.
func (c *Client) EndSession(ctx context.Context, token, sessionID, endURL string) error {
	u := strings.TrimSpace(endURL)
	if u == "" {
		u = c.DefaultEndURL(sessionID)
	}
	log.Info("ending agent session", "session", sessionID, "url", u)
	status, body, err := c.postJSON(ctx, u, token, struct{}{})
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if status < 200 || status > 299 {
		return &StatusError{Op: "end session", StatusCode: status, Body: snippet(body)}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, u, token string, v any) (int, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return 0, nil, err
	}
	setHeaders(req, token)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func firstString(body []byte, paths ...string) string {
	for _, p := range paths {
		r := gjson.GetBytes(body, p)
		if r.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(r.Str); s != "" {
			return s
		}
	}
	return ""
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
