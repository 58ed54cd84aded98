package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/command"
)

const toolPrefix = "execute_"

// CommandSchema reflects the input schema of a command kind. Fields tagged
// `jsonschema:"-"` are left out.
func CommandSchema(kind command.Kind) (*jsonschema.Schema, error) {
	cmd, err := command.New(kind)
	if err != nil {
		return nil, err
	}
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
	}
	sch := r.Reflect(cmd)
	sch.Version = ""
	sch.Title = string(kind)
	sch.Description = "Execute " + string(kind) + " and return its answer envelope."
	return sch, nil
}

func commandTool(kind command.Kind) (mcp.Tool, error) {
	sch, err := CommandSchema(kind)
	if err != nil {
		return mcp.Tool{}, errors.Errorf("reflecting %s: %w", kind, err)
	}
	raw, err := json.Marshal(sch)
	if err != nil {
		return mcp.Tool{}, errors.Errorf("marshalling schema of %s: %w", kind, err)
	}
	return mcp.NewToolWithRawSchema(toolPrefix+string(kind), sch.Description, raw), nil
}

func (s *Server) executeHandler(kind command.Kind) func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		logger := zerolog.Ctx(ctx).With().Str("tool", req.Params.Name).Logger()
		ctx = logger.WithContext(ctx)

		args := req.Params.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		body, err := json.Marshal(map[string]interface{}{string(kind): args})
		if err != nil {
			return nil, errors.Errorf("encoding arguments: %w", err)
		}

		cmd, err := command.Decode(ctx, body)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		ans := s.dispatcher.Execute(ctx, cmd)
		out, err := command.EncodeAnswer(kind, ans)
		if err != nil {
			return nil, err
		}

		res := mcp.NewToolResultText(string(out))
		res.IsError = !ans.Result
		return res, nil
	}
}

type diagnosticView struct {
	Seq      uint64          `json:"seq"`
	Kind     string          `json:"kind"`
	Started  time.Time       `json:"started"`
	Took     string          `json:"took"`
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

func (s *Server) recentDiagnostics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := 10
	if v, ok := req.Params.Arguments["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	recs := s.dispatcher.Ring().Recent(limit)
	views := make([]diagnosticView, 0, len(recs))
	for _, r := range recs {
		views = append(views, diagnosticView{
			Seq:      r.Seq,
			Kind:     r.Kind,
			Started:  r.Started,
			Took:     r.Duration().String(),
			Request:  r.Request,
			Response: r.Response,
		})
	}

	out, err := json.Marshal(views)
	if err != nil {
		return nil, errors.Errorf("encoding diagnostics: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Int("records", len(views)).Msg("served diagnostics")
	return mcp.NewToolResultText(string(out)), nil
}
