package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/diaspora-project/octopus-mcp/internal/access"
	"github.com/diaspora-project/octopus-mcp/internal/auth"
	"github.com/diaspora-project/octopus-mcp/internal/octopus"
	"github.com/diaspora-project/octopus-mcp/internal/session"
	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

// sessionKey identifies the MCP session a request belongs to, falling
// back to a shared key for transports without session tracking.
func sessionKey(ctx context.Context) string {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		return cs.SessionID()
	}
	return "default"
}

func (s *Server) state(ctx context.Context) *sessionState {
	key := sessionKey(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[key]
	if !ok {
		st = &sessionState{}
		s.sessions[key] = st
	}
	return st
}

// boundIdentity returns the identity attached to the caller's session.
func (s *Server) boundIdentity(ctx context.Context) (auth.Identity, bool) {
	st := s.state(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.identity == nil {
		return auth.Identity{}, false
	}
	return *st.identity, true
}

const notLoggedInMsg = "Please authenticate first via diaspora_authenticate / complete_diaspora_auth, or diaspora_confidential_auth for service accounts."

func (s *Server) handleAuthenticate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.state(ctx)

	var current string
	s.mu.Lock()
	if st.identity != nil {
		current = st.identity.Subject
	}
	s.mu.Unlock()

	pending, err := s.authn.BeginInteractiveLogin(current)
	if err != nil {
		if errors.Is(err, auth.ErrAlreadyAuthenticated) {
			return mcp.NewToolResultError(fmt.Sprintf(
				"Already authenticated as %s. Use logout first to switch accounts.", current)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start login: %v", err)), nil
	}

	s.mu.Lock()
	st.pendingHandle = pending.Handle
	s.mu.Unlock()

	return mcp.NewToolResultText(fmt.Sprintf(
		"Authorization URL\n\n"+
			"Visit the link, approve access, then call complete_diaspora_auth with the returned code.\n\n"+
			"%s", pending.AuthURL)), nil
}

func (s *Server) handleCompleteAuth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("'code' argument is required"), nil
	}

	st := s.state(ctx)
	s.mu.Lock()
	handle := st.pendingHandle
	s.mu.Unlock()
	if handle == "" {
		return mcp.NewToolResultError("You must call diaspora_authenticate first."), nil
	}

	id, err := s.authn.CompleteInteractiveLogin(ctx, handle, code)
	if err != nil {
		s.mu.Lock()
		st.pendingHandle = ""
		s.mu.Unlock()
		switch {
		case errors.Is(err, auth.ErrNoPendingLogin):
			return mcp.NewToolResultError("The login attempt expired. Call diaspora_authenticate again for a fresh URL."), nil
		case errors.Is(err, auth.ErrInvalidOrExpiredCode):
			return mcp.NewToolResultError("Token exchange failed: the authorization code was rejected. Call diaspora_authenticate to retry."), nil
		default:
			return mcp.NewToolResultError(fmt.Sprintf("Token exchange failed: %v", err)), nil
		}
	}

	s.bindIdentity(ctx, id)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Login successful as user %s. You can now use Diaspora tools.", id.Subject)), nil
}

func (s *Server) handleConfidentialAuth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	clientID, err := request.RequireString("client_id")
	if err != nil {
		return mcp.NewToolResultError("Please provide a confidential client id."), nil
	}
	clientSecret, err := request.RequireString("client_secret")
	if err != nil {
		return mcp.NewToolResultError("Please provide a confidential client secret."), nil
	}

	id, err := s.authn.LoginWithServiceCredentials(ctx, clientID, clientSecret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return mcp.NewToolResultError("Client credentials were rejected by the authorization service."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Confidential authentication failed: %v", err)), nil
	}

	s.bindIdentity(ctx, id)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Confidential client authentication successful with user %s.", id.Subject)), nil
}

func (s *Server) handleLogout(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.state(ctx)

	s.mu.Lock()
	id := st.identity
	st.identity = nil
	st.pendingHandle = ""
	s.mu.Unlock()

	if id == nil {
		return mcp.NewToolResultText("No active session found."), nil
	}
	s.authn.Logout(ctx, id.Subject)
	return mcp.NewToolResultText("Logged out and tokens revoked."), nil
}

func (s *Server) handleListTopics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := s.boundIdentity(ctx)
	if !ok {
		return mcp.NewToolResultError(notLoggedInMsg), nil
	}

	topics, err := s.svc.ListTopics(ctx, id)
	if err != nil {
		return s.operationError("list_topics", err), nil
	}
	data, err := json.Marshal(topics)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format topics: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleRegisterTopic(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := s.boundIdentity(ctx)
	if !ok {
		return mcp.NewToolResultError(notLoggedInMsg), nil
	}
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("'topic' argument is required"), nil
	}

	namespaced, err := s.svc.RegisterTopic(ctx, id, topic)
	if err != nil {
		return s.operationError("register_topic", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Topic %s registered as %s.", topic, namespaced)), nil
}

func (s *Server) handleUnregisterTopic(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := s.boundIdentity(ctx)
	if !ok {
		return mcp.NewToolResultError(notLoggedInMsg), nil
	}
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("'topic' argument is required"), nil
	}

	if err := s.svc.UnregisterTopic(ctx, id, topic); err != nil {
		return s.operationError("unregister_topic", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Topic %s unregistered.", topic)), nil
}

func (s *Server) handleProduceOne(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := s.boundIdentity(ctx)
	if !ok {
		return mcp.NewToolResultError(notLoggedInMsg), nil
	}
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("'topic' argument is required"), nil
	}
	value, err := request.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError("'value' argument is required"), nil
	}
	key := request.GetString("key", "")
	sync := request.GetBool("sync", true)

	receipt, err := s.svc.ProduceOne(ctx, id, topic, value, key, sync)
	if err != nil {
		return s.operationError("produce_one", err), nil
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format receipt: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleConsumeLatest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := s.boundIdentity(ctx)
	if !ok {
		return mcp.NewToolResultError(notLoggedInMsg), nil
	}
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("'topic' argument is required"), nil
	}
	wait := time.Duration(request.GetFloat("timeout_s", 0)) * time.Second

	msg, err := s.svc.ConsumeLatest(ctx, id, topic, wait)
	if err != nil {
		return s.operationError("consume_latest", err), nil
	}
	if msg == nil {
		// Empty topic: an empty object, not an error, so agents can
		// poll without special-casing.
		return mcp.NewToolResultText("{}"), nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format message: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// bindIdentity attaches a freshly authenticated identity to the caller's
// session.
func (s *Server) bindIdentity(ctx context.Context, id auth.Identity) {
	st := s.state(ctx)
	s.mu.Lock()
	st.identity = &id
	st.pendingHandle = ""
	s.mu.Unlock()
	logging.Info("Tools", "Session bound to identity %s (%s)", id.Subject, id.Kind)
}

// operationError renders a typed failure from the core as an actionable
// tool error without leaking credentials.
func (s *Server) operationError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		return mcp.NewToolResultError(notLoggedInMsg)
	case errors.Is(err, auth.ErrReauthenticationRequired):
		return mcp.NewToolResultError("Your session is no longer valid. Please authenticate again via diaspora_authenticate.")
	case errors.Is(err, access.ErrAccessDenied):
		return mcp.NewToolResultError("Access to the event fabric was denied. Your account may not be provisioned for Diaspora.")
	case errors.Is(err, access.ErrDownstreamUnavailable):
		return mcp.NewToolResultError("The event fabric is temporarily unavailable. Please retry shortly.")
	case errors.Is(err, octopus.ErrTopicNotFound):
		return mcp.NewToolResultError("Topic not found. Register it first via register_topic.")
	case errors.Is(err, octopus.ErrDeliveryTimeout):
		return mcp.NewToolResultError("Delivery was not acknowledged in time. The message may or may not have been committed; it was not retried.")
	case errors.Is(err, session.ErrClientConstructionFailed):
		return mcp.NewToolResultError("Could not connect to the event fabric. Please retry.")
	default:
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
	}
}
