package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lkarlslund/agentrelay/pkg/config"
)

// fakePlatform imitates the identity, session and streaming endpoints of the
// agent platform.
type fakePlatform struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	tokenCalls    int
	sessionBody   string
	sessionStatus int
	streamFrames  []string
	streamAbort   bool
	reject401     int
	endStatus     int
	sequences     []int64
	streamTokens  []string
	endPaths      []string
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	fp := &fakePlatform{
		t:             t,
		sessionBody:   `{"sessionId":"abc123"}`,
		sessionStatus: http.StatusOK,
		endStatus:     http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /services/oauth2/token", fp.handleToken)
	mux.HandleFunc("POST /einstein/ai-agent/v1/agents/{agent}/sessions", fp.handleCreate)
	mux.HandleFunc("POST /einstein/ai-agent/v1/sessions/{id}/messages/stream", fp.handleStream)
	mux.HandleFunc("POST /einstein/ai-agent/v1/sessions/{id}/end", fp.handleEnd)
	mux.HandleFunc("POST /custom/end/{id}", fp.handleEnd)
	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakePlatform) handleToken(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	fp.tokenCalls++
	n := fp.tokenCalls
	fp.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer"}`, n)
}

func (fp *fakePlatform) handleCreate(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	status, body := fp.sessionStatus, fp.sessionBody
	reject := fp.reject401 > 0
	if reject {
		fp.reject401--
	}
	fp.mu.Unlock()
	if reject {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (fp *fakePlatform) handleStream(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message struct {
			SequenceID int64 `json:"sequenceId"`
		} `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		fp.t.Errorf("decode stream request: %v", err)
	}
	fp.mu.Lock()
	fp.sequences = append(fp.sequences, body.Message.SequenceID)
	fp.streamTokens = append(fp.streamTokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	reject := fp.reject401 > 0
	if reject {
		fp.reject401--
	}
	frames := append([]string(nil), fp.streamFrames...)
	abort := fp.streamAbort
	fp.mu.Unlock()

	if reject {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`[{"errorCode":"INVALID_SESSION_ID"}]`))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	for _, f := range frames {
		_, _ = w.Write([]byte(f))
		_ = rc.Flush()
	}
	if abort {
		panic(http.ErrAbortHandler)
	}
}

func (fp *fakePlatform) handleEnd(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	fp.endPaths = append(fp.endPaths, r.URL.Path)
	status := fp.endStatus
	fp.mu.Unlock()
	w.WriteHeader(status)
}

func (fp *fakePlatform) set(fn func(fp *fakePlatform)) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fn(fp)
}

func (fp *fakePlatform) snapshot() (tokenCalls int, sequences []int64, tokens []string, endPaths []string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.tokenCalls, append([]int64(nil), fp.sequences...), append([]string(nil), fp.streamTokens...), append([]string(nil), fp.endPaths...)
}

func (fp *fakePlatform) config() *config.ServerConfig {
	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.Domain = fp.srv.URL
	cfg.Upstream.APIHost = fp.srv.URL
	cfg.Upstream.AgentID = "agent-1"
	cfg.TLS.CacheDir = fp.t.TempDir()
	return cfg
}

type relayFixture struct {
	platform *fakePlatform
	server   *Server
	http     *httptest.Server
}

func newRelay(t *testing.T, opts ...Option) *relayFixture {
	t.Helper()
	fp := newFakePlatform(t)
	opts = append([]Option{WithCredentials(func() (string, string) { return "id", "secret" })}, opts...)
	srv, err := NewServer(fp.config(), opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &relayFixture{platform: fp, server: srv, http: hs}
}

func (rf *relayFixture) url(action string) string {
	return rf.http.URL + config.DefaultEndpointPath + "?action=" + action
}

func (rf *relayFixture) post(t *testing.T, action, body string) *http.Response {
	t.Helper()
	resp, err := rf.http.Client().Post(rf.url(action), "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", action, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (rf *relayFixture) scrape(t *testing.T) string {
	t.Helper()
	resp, err := rf.http.Client().Get(rf.http.URL + config.DefaultMetricsPath)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}
