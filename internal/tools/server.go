// Package tools exposes the Diaspora event fabric to MCP clients.
//
// Each tool is a thin adapter: argument parsing and result formatting
// live here, while session, credential, and cluster lifecycle live in the
// auth, access, session, and octopus packages. The adapter tracks which
// identity is bound to each MCP session so the authenticate / complete /
// operate / logout conversation works the way agents expect, without the
// core operations ever depending on the transport.
package tools

import (
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/diaspora-project/octopus-mcp/internal/auth"
	"github.com/diaspora-project/octopus-mcp/internal/octopus"
	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

// Version is stamped into the MCP server handshake.
const Version = "1.0.0"

// sessionState is the per-MCP-session conversation state: the pending
// interactive login, if any, and the identity bound after login.
type sessionState struct {
	pendingHandle string
	identity      *auth.Identity
}

// Server wires the Diaspora tools into an MCP server.
type Server struct {
	mcpServer *server.MCPServer
	authn     *auth.Authenticator
	svc       *octopus.Service

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewServer creates the MCP server and registers all Diaspora tools.
func NewServer(authn *auth.Authenticator, svc *octopus.Service) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Diaspora Octopus Bridge",
			Version,
			server.WithToolCapabilities(false),
		),
		authn:    authn,
		svc:      svc,
		sessions: make(map[string]*sessionState),
	}
	s.registerTools()
	return s
}

// ServeStdio runs the server over stdio until the client disconnects.
func (s *Server) ServeStdio() error {
	logging.Info("Tools", "Serving Diaspora tools over stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP runs the streamable-HTTP transport on host:port under path.
func (s *Server) ServeHTTP(host string, port int, path string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	logging.Info("Tools", "Serving Diaspora tools on http://%s%s", addr, path)
	httpServer := server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath(path),
	)
	return httpServer.Start(addr)
}

// registerTools declares the tool schemas and binds their handlers.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("diaspora_authenticate",
		mcp.WithDescription("Begin the Globus Native App OAuth2 flow. Returns the URL the user must visit to grant access; afterwards call complete_diaspora_auth with the returned code."),
	), s.handleAuthenticate)

	s.mcpServer.AddTool(mcp.NewTool("complete_diaspora_auth",
		mcp.WithDescription("Exchange the one-time authorization code from the Native App flow for tokens, completing the login."),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("The authorization code returned after approving access"),
		),
	), s.handleCompleteAuth)

	s.mcpServer.AddTool(mcp.NewTool("diaspora_confidential_auth",
		mcp.WithDescription("Authenticate via the OAuth2 Client Credentials grant using a confidential client."),
		mcp.WithString("client_id",
			mcp.Required(),
			mcp.Description("OAuth2 Confidential Client ID"),
		),
		mcp.WithString("client_secret",
			mcp.Required(),
			mcp.Description("OAuth2 Confidential Client Secret"),
		),
	), s.handleConfidentialAuth)

	s.mcpServer.AddTool(mcp.NewTool("logout",
		mcp.WithDescription("Revoke tokens, clear cached cluster clients, and end the session."),
	), s.handleLogout)

	s.mcpServer.AddTool(mcp.NewTool("list_topics",
		mcp.WithDescription("List all Diaspora event topics the authenticated user can produce and consume."),
	), s.handleListTopics)

	s.mcpServer.AddTool(mcp.NewTool("register_topic",
		mcp.WithDescription("Register a new Diaspora event topic so the user can produce and consume. Registering an existing topic succeeds."),
		mcp.WithString("topic",
			mcp.Required(),
			mcp.Description("Topic name (namespaced per user on the shared cluster)"),
		),
	), s.handleRegisterTopic)

	s.mcpServer.AddTool(mcp.NewTool("unregister_topic",
		mcp.WithDescription("Unregister (delete) an existing Diaspora event topic. Unregistering an absent topic succeeds."),
		mcp.WithString("topic",
			mcp.Required(),
			mcp.Description("Topic name to remove"),
		),
	), s.handleUnregisterTopic)

	s.mcpServer.AddTool(mcp.NewTool("produce_one",
		mcp.WithDescription("Produce a single message to a registered topic, waiting for delivery acknowledgment unless sync is false."),
		mcp.WithString("topic",
			mcp.Required(),
			mcp.Description("Target topic"),
		),
		mcp.WithString("value",
			mcp.Required(),
			mcp.Description("Message payload"),
		),
		mcp.WithString("key",
			mcp.Description("Optional message key"),
		),
		mcp.WithBoolean("sync",
			mcp.Description("Wait for delivery acknowledgment (default true)"),
		),
	), s.handleProduceOne)

	s.mcpServer.AddTool(mcp.NewTool("consume_latest",
		mcp.WithDescription("Fetch the single most-recent message from a registered topic."),
		mcp.WithString("topic",
			mcp.Required(),
			mcp.Description("Topic to read"),
		),
		mcp.WithNumber("timeout_s",
			mcp.Description("Bounded wait in seconds (default 5)"),
		),
	), s.handleConsumeLatest)
}
