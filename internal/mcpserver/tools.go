package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/mesh"
	"github.com/dork/dork/internal/mesh/registry"
	"github.com/dork/dork/internal/pulse/store"
	"github.com/dork/dork/internal/relay"
)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	// Relay publish tool
	s.AddTool(
		mcp.NewTool("relay_publish",
			mcp.WithDescription("Publish a message to a relay subject. Delivers to every matching registered endpoint and returns the minted message id with the delivery count."),
			mcp.WithString("subject",
				mcp.Required(),
				mcp.Description("Dotted destination subject rooted at 'relay', e.g. relay.agents.builder.inbox"),
			),
			mcp.WithString("payload",
				mcp.Required(),
				mcp.Description("The message payload as a JSON document"),
			),
			mcp.WithString("from",
				mcp.Description("Sender subject (optional, defaults to the system sender)"),
			),
			mcp.WithString("reply_to",
				mcp.Description("Subject replies should be published to (optional)"),
			),
		),
		relayPublishHandler(deps, log),
	)

	// Relay inbox tool
	s.AddTool(
		mcp.NewTool("relay_read_inbox",
			mcp.WithDescription("Read messages from a registered endpoint's inbox, newest first."),
			mcp.WithString("subject",
				mcp.Required(),
				mcp.Description("The endpoint subject whose inbox to read"),
			),
			mcp.WithString("status",
				mcp.Description("Filter by message status: pending, delivered or failed (optional)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of messages to return (optional)"),
			),
		),
		relayReadInboxHandler(deps, log),
	)

	// Mesh register tool
	s.AddTool(
		mcp.NewTool("mesh_register",
			mcp.WithDescription("Register an agent project directory in the mesh. The directory must contain a recognized project marker file."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Absolute path of the project directory to register"),
			),
			mcp.WithString("name",
				mcp.Description("Agent name; overrides the detected one (optional)"),
			),
			mcp.WithString("runtime",
				mcp.Description("Agent runtime; overrides the detected one (optional)"),
			),
			mcp.WithString("description",
				mcp.Description("Short description of what the agent does (optional)"),
			),
			mcp.WithString("namespace",
				mcp.Description("Namespace to group the agent under (optional)"),
			),
			mcp.WithArray("capabilities",
				mcp.Description("Capability tags, e.g. [\"code-review\", \"testing\"] (optional)"),
			),
		),
		meshRegisterHandler(deps, log),
	)

	// Mesh list tool
	s.AddTool(
		mcp.NewTool("mesh_list",
			mcp.WithDescription("List registered mesh agents with their derived health status."),
			mcp.WithString("runtime",
				mcp.Description("Only agents with this runtime (optional)"),
			),
			mcp.WithString("capability",
				mcp.Description("Only agents carrying this capability (optional)"),
			),
			mcp.WithString("namespace",
				mcp.Description("Only agents in this namespace (optional)"),
			),
		),
		meshListHandler(deps, log),
	)

	// Pulse schedule tool
	s.AddTool(
		mcp.NewTool("pulse_create_schedule",
			mcp.WithDescription("Create a cron schedule that runs a prompt in a fresh session. Schedules created through this tool start in pending_approval and run only after a human approves them."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Human-readable schedule name"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The prompt each run sends to the session"),
			),
			mcp.WithString("cron",
				mcp.Required(),
				mcp.Description("Five-field cron expression, e.g. '0 9 * * 1-5'"),
			),
			mcp.WithString("timezone",
				mcp.Description("IANA timezone for the cron expression (optional, defaults to local)"),
			),
			mcp.WithString("cwd",
				mcp.Description("Working directory runs execute in (optional)"),
			),
			mcp.WithString("permission_mode",
				mcp.Description("Permission mode for scheduled sessions (optional)"),
			),
			mcp.WithNumber("max_runtime",
				mcp.Description("Per-run time limit in seconds (optional)"),
			),
		),
		pulseCreateScheduleHandler(deps, log),
	)

	// Pulse run history tool
	s.AddTool(
		mcp.NewTool("pulse_list_runs",
			mcp.WithDescription("List schedule run history, newest first."),
			mcp.WithString("schedule_id",
				mcp.Description("Only runs of this schedule (optional)"),
			),
			mcp.WithString("status",
				mcp.Description("Only runs with this status: running, completed, failed or cancelled (optional)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of runs to return (optional)"),
			),
		),
		pulseListRunsHandler(deps, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 6))
}

func relayPublishHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subj, err := req.RequireString("subject")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload, err := req.RequireString("payload")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !json.Valid([]byte(payload)) {
			return mcp.NewToolResultError("payload must be a valid JSON document"), nil
		}

		result, err := deps.Relay.Publish(ctx, subj, json.RawMessage(payload), relay.PublishOptions{
			From:    req.GetString("from", ""),
			ReplyTo: req.GetString("reply_to", ""),
		})
		if err != nil {
			// Budget rejections dead-letter the envelope but still mint
			// an id; surface it with the code instead of failing the call.
			if result != nil {
				formatted, _ := json.MarshalIndent(map[string]interface{}{
					"messageId":   result.MessageID,
					"deliveredTo": result.DeliveredTo,
					"code":        relay.ErrorCode(err),
					"error":       err.Error(),
				}, "", "  ")
				return mcp.NewToolResultText(string(formatted)), nil
			}
			log.Error("relay publish failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to publish: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func relayReadInboxHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subj, err := req.RequireString("subject")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		page, err := deps.Relay.ReadInbox(ctx, subj, relay.InboxOptions{
			Status: req.GetString("status", ""),
			Limit:  intArg(req, "limit"),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read inbox: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(page, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func meshRegisterHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		canonical, err := deps.Boundary.Validate(path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Path rejected: %v", err)), nil
		}

		agent, err := deps.Mesh.RegisterByPath(ctx, canonical, mesh.Overrides{
			Name:         req.GetString("name", ""),
			Runtime:      req.GetString("runtime", ""),
			Description:  req.GetString("description", ""),
			Namespace:    req.GetString("namespace", ""),
			Capabilities: stringSliceArg(req, "capabilities"),
		}, "mcp")
		if err != nil {
			log.Error("mesh registration failed", zap.String("path", canonical), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to register agent: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(agent, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func meshListHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := deps.Mesh.List(ctx, registry.ListFilter{
			Runtime:    req.GetString("runtime", ""),
			Capability: req.GetString("capability", ""),
			Namespace:  req.GetString("namespace", ""),
		})
		if err != nil {
			log.Error("mesh list failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(agents, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func pulseCreateScheduleHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cron, err := req.RequireString("cron")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		cwd := req.GetString("cwd", "")
		if cwd != "" {
			canonical, err := deps.Boundary.Validate(cwd)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Working directory rejected: %v", err)), nil
			}
			cwd = canonical
		}

		sched, err := deps.Pulse.CreateSchedule(ctx, store.ScheduleInput{
			Name:           name,
			Prompt:         prompt,
			Cron:           cron,
			Timezone:       req.GetString("timezone", ""),
			Cwd:            cwd,
			PermissionMode: req.GetString("permission_mode", ""),
			MaxRuntime:     intArg(req, "max_runtime"),
		}, true)
		if err != nil {
			log.Error("schedule creation failed", zap.String("name", name), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create schedule: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(sched, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func pulseListRunsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runs, err := deps.Pulse.ListRuns(ctx, store.ListRunsOptions{
			ScheduleID: req.GetString("schedule_id", ""),
			Status:     req.GetString("status", ""),
			Limit:      intArg(req, "limit"),
		})
		if err != nil {
			log.Error("run listing failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(runs, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

// intArg reads an optional numeric argument; JSON numbers arrive as
// float64.
func intArg(req mcp.CallToolRequest, name string) int {
	v, ok := req.GetArguments()[name]
	if !ok {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(f)
}

// stringSliceArg reads an optional array argument, keeping only string
// elements.
func stringSliceArg(req mcp.CallToolRequest, name string) []string {
	v, ok := req.GetArguments()[name]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
