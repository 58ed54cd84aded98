// Package mcp exposes the dispatcher to operators as an MCP server: one
// execute tool per command kind plus a view of recent diagnostics.
package mcp

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/command"
	"github.com/walteh/cloudstack-vmware-agent/pkg/diagnostics"
	"github.com/walteh/cloudstack-vmware-agent/pkg/logging"
)

// Dispatcher is the part of dispatch.Dispatcher the server uses.
type Dispatcher interface {
	Kinds() []command.Kind
	Execute(ctx context.Context, cmd command.Command) *command.Answer
	Ring() *diagnostics.Ring
}

// Server exposes the command set as MCP tools.
type Server struct {
	dispatcher Dispatcher
	srv        *server.MCPServer
	tools      []string
}

// NewServer creates a Server with one tool per command kind.
func NewServer(ctx context.Context, d Dispatcher, version string) (*Server, error) {
	logger := zerolog.Ctx(ctx)

	s := &Server{
		dispatcher: d,
		srv:        server.NewMCPServer("hostagent", version, server.WithToolCapabilities(false)),
	}

	for _, kind := range d.Kinds() {
		tool, err := commandTool(kind)
		if err != nil {
			return nil, err
		}
		s.srv.AddTool(tool, s.executeHandler(kind))
		s.tools = append(s.tools, tool.Name)
	}

	diag := mcp.NewTool("recent_diagnostics",
		mcp.WithDescription("Most recent successful commands, newest first, with redacted requests and their answers."),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return, default 10.")),
	)
	s.srv.AddTool(diag, s.recentDiagnostics)
	s.tools = append(s.tools, diag.Name)

	logger.Debug().Strs("tools", s.tools).Msg("registered mcp tools")
	return s, nil
}

func (s *Server) Server() *server.MCPServer {
	return s.srv
}

// ToolNames lists the registered tools in registration order.
func (s *Server) ToolNames() []string {
	return s.tools
}

// ServeSSE serves the SSE transport on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	logger := zerolog.Ctx(ctx).With().Str("address", addr).Logger()

	sse := server.NewSSEServer(s.srv,
		server.WithSSEContextFunc(func(rctx context.Context, r *http.Request) context.Context {
			return logger.WithContext(rctx)
		}),
	)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           loggerMiddleware(sse, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Msg("mcp server accepting connections")
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Errorf("serving mcp on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdown); err != nil {
		return errors.Errorf("shutting down mcp server: %w", err)
	}
	return nil
}

// ServeStdio serves over stdin and stdout. Library errors go to the logger.
func (s *Server) ServeStdio(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("source", "mcp_stdio").Logger()
	stdLogger := log.New(&logging.Writer{Logger: logger}, "", 0)

	logger.Info().Msg("serving mcp over stdio")
	if err := server.ServeStdio(s.srv, server.WithErrorLogger(stdLogger)); err != nil {
		return errors.Errorf("serving mcp over stdio: %w", err)
	}
	return nil
}

func loggerMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logger.Trace().Enabled() && r.Body != nil {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				logger.Error().Err(err).Msg("reading request body")
			} else {
				logger.Trace().Str("method", r.Method).Str("url", r.URL.String()).Bytes("body", body).Msg("mcp request")
			}
			r.Body = io.NopCloser(bytes.NewBuffer(body))
		}
		next.ServeHTTP(w, r)
	})
}
