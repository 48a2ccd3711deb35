package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lkarlslund/agentrelay/pkg/agent"
	"github.com/lkarlslund/agentrelay/pkg/auth"
	"github.com/lkarlslund/agentrelay/pkg/session"
	"github.com/lkarlslund/agentrelay/pkg/stream"
)

const (
	actionInit    = "init"
	actionMessage = "message"
	actionEnd     = "end"

	maxRequestBody = 1 << 20
)

// Client facing error messages.
const (
	msgAuthFailed       = "Agent unavailable - authentication failed"
	msgMissingMessage   = "Missing sessionId or message"
	msgMissingSession   = "Missing sessionId"
	msgInvalidAction    = "Invalid action"
	msgInvalidEndURL    = "Invalid endUrl"
	msgInitFailed       = "Failed to initialize Agentforce session"
	msgNoSessionID      = "No sessionId from Salesforce"
	msgMalformedSession = "Failed to parse session response"
	msgSendFailed       = "Failed to send message to Agentforce"
	msgEndFailed        = "Failed to end session"
)

type messageRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type endRequest struct {
	SessionID string `json:"sessionId"`
	EndURL    string `json:"endUrl"`
}

type endResponse struct {
	Ended bool `json:"ended"`
}

func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	switch action := strings.TrimSpace(r.URL.Query().Get("action")); action {
	case actionInit:
		s.handleInit(w, r)
	case actionMessage:
		s.handleMessage(w, r)
	case actionEnd:
		s.handleEnd(w, r)
	default:
		log.Debug("rejecting unknown action", "action", action)
		writeError(w, http.StatusBadRequest, msgInvalidAction)
	}
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := withAuthRetry(ctx, s, actionInit, func(token string) (agent.Session, error) {
		return s.agent.CreateSession(ctx, token)
	})
	if err != nil {
		s.metrics.SessionInitFailed(initFailureReason(err))
		log.Error("session init failed", "err", err)
		status, msg := upstreamErrorResponse(err, msgInitFailed)
		writeError(w, status, msg)
		return
	}
	s.sessions.Register(session.Session{ID: sess.ID, ExternalKey: sess.ExternalKey, EndURL: sess.EndURL})
	s.metrics.SessionCreated()
	log.Info("session created", "session", sess.ID, "end_url", sess.EndURL)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	decodeBody(r, &req)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, msgMissingMessage)
		return
	}

	ctx := r.Context()
	body, err := s.openStream(ctx, req.SessionID, req.Message)
	if err != nil {
		status, msg := upstreamErrorResponse(err, msgSendFailed)
		writeError(w, status, msg)
		return
	}
	defer body.Close()
	s.metrics.MessageSent("sse")

	stream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	start := time.Now()
	err = stream.Write(w, func() { _ = rc.Flush() }, stream.Translate(body, stream.WithObserver(s.metrics)))
	switch {
	case err == nil:
		s.metrics.StreamFinished(time.Since(start), false)
		log.Debug("stream finished", "session", req.SessionID, "elapsed", time.Since(start))
	case ctx.Err() != nil || !stream.IsUpstreamError(err):
		s.metrics.StreamFinished(time.Since(start), false)
		log.Debug("client went away during stream", "session", req.SessionID, "err", err)
	default:
		s.metrics.StreamFinished(time.Since(start), true)
		log.Error("agent stream broke", "session", req.SessionID, "err", err)
		// Headers are gone; aborting is the only way to signal an incomplete stream.
		panic(http.ErrAbortHandler)
	}
}

// openStream obtains a token, then allocates the session's next sequence id
// and starts the agent's response stream. A failure to get a token leaves the
// sequence untouched. A retry after a rejected token reuses the sequence id.
func (s *Server) openStream(ctx context.Context, sessionID, text string) (io.ReadCloser, error) {
	cred, err := s.tokens.Token(ctx)
	if err != nil {
		log.Error("send message failed", "session", sessionID, "err", err)
		s.metrics.StreamFailed()
		return nil, err
	}
	seq := s.sessions.Next(sessionID)
	body, err := retryOnAuth(ctx, s, actionMessage, cred, func(token string) (io.ReadCloser, error) {
		return s.agent.SendMessage(ctx, token, sessionID, seq, text)
	})
	if err != nil {
		log.Error("send message failed", "session", sessionID, "sequence", seq, "err", err)
		s.metrics.StreamFailed()
		return nil, err
	}
	return body, nil
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	decodeBody(r, &req)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.EndURL = strings.TrimSpace(req.EndURL)
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, msgMissingSession)
		return
	}
	endURL := req.EndURL
	if endURL != "" && !s.agent.AllowsURL(endURL) {
		log.Warn("refusing end url outside the agent platform", "session", req.SessionID, "url", endURL)
		writeError(w, http.StatusBadRequest, msgInvalidEndURL)
		return
	}
	if endURL == "" {
		if known, _, ok := s.sessions.Lookup(req.SessionID); ok {
			endURL = known.EndURL
		}
	}

	ctx := r.Context()
	_, err := withAuthRetry(ctx, s, actionEnd, func(token string) (struct{}, error) {
		return struct{}{}, s.agent.EndSession(ctx, token, req.SessionID, endURL)
	})
	s.sessions.Remove(req.SessionID)
	s.metrics.SessionEnded(err == nil)
	if err != nil {
		log.Error("end session failed", "session", req.SessionID, "err", err)
		status, msg := upstreamErrorResponse(err, msgEndFailed)
		writeError(w, status, msg)
		return
	}
	log.Info("session ended", "session", req.SessionID)
	writeJSON(w, http.StatusOK, endResponse{Ended: true})
}

// withAuthRetry runs call with the cached token, see retryOnAuth.
func withAuthRetry[T any](ctx context.Context, s *Server, action string, call func(token string) (T, error)) (T, error) {
	cred, err := s.tokens.Token(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return retryOnAuth(ctx, s, action, cred, call)
}

// retryOnAuth runs call with cred. If the agent platform rejects the token,
// it forces one refresh and calls again exactly once.
func retryOnAuth[T any](ctx context.Context, s *Server, action string, cred auth.Credential, call func(token string) (T, error)) (T, error) {
	out, err := call(cred.Token)
	if !agent.IsAuthExpired(err) {
		return out, err
	}
	log.Warn("agent platform rejected access token, refreshing", "action", action)
	s.metrics.AuthRetried(action)
	cred, err = s.tokens.Refresh(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return call(cred.Token)
}

// upstreamErrorResponse maps a failure that happened before any response
// bytes were written to a status and message.
func upstreamErrorResponse(err error, fallback string) (int, string) {
	if auth.IsAuthFailure(err) {
		return http.StatusInternalServerError, msgAuthFailed
	}
	var sie *agent.SessionInitError
	if errors.As(err, &sie) {
		switch sie.Reason {
		case agent.ReasonNoSessionID:
			return http.StatusBadGateway, msgNoSessionID
		case agent.ReasonMalformed:
			return http.StatusBadGateway, msgMalformedSession
		}
	}
	return http.StatusBadGateway, fallback
}

func initFailureReason(err error) string {
	var sie *agent.SessionInitError
	var se *agent.StatusError
	switch {
	case auth.IsAuthFailure(err):
		return "auth"
	case errors.As(err, &sie):
		return sie.Reason
	case errors.As(err, &se):
		return "upstream_status"
	}
	return "other"
}

// decodeBody fills v from a JSON request body. A missing or unreadable body
// leaves v untouched; the handlers report the missing fields.
func decodeBody(r *http.Request, v any) {
	if r.Body == nil {
		return
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		log.Debug("ignoring unreadable request body", "err", err)
	}
}
