package orchestration

import (
	"context"
	"strings"

	"github.com/quorra-ai/quorra/core"
)

// Service identifiers known to the router.
const (
	ServiceKnowledge = "knowledge"
	ServiceSandbox   = "sandbox"
	ServiceWebSearch = "web_search"
	ServiceRepoOps   = "repo_ops"
	ServiceVision    = "vision"
	ServiceParser    = "parser"
)

// ResolveTool maps an abstract tool name to a service identifier.
// Unknown tools default to the knowledge service and fail later at the
// gateway if the method does not exist there.
func ResolveTool(tool string) string {
	switch {
	case strings.HasPrefix(tool, "rag_"):
		return ServiceKnowledge
	case tool == "execute_python" || tool == "execute_bash":
		return ServiceSandbox
	case strings.HasPrefix(tool, "web_search"):
		return ServiceWebSearch
	case strings.HasPrefix(tool, "git_"):
		return ServiceRepoOps
	case tool == "vision_analysis":
		return ServiceVision
	case tool == "file_analysis":
		return ServiceParser
	default:
		return ServiceKnowledge
	}
}

// Router is the stateless routing actor. The table is fixed; policy or
// availability aware routing would slot in here.
type Router struct {
	logger core.Logger
}

// NewRouter creates the routing behavior.
func NewRouter(logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Router{logger: logger}
}

// Receive handles resolve_tool messages.
func (r *Router) Receive(ctx context.Context, msg Message) (interface{}, error) {
	switch msg.Type {
	case MsgResolveTool:
		tool, _ := msg.Payload.(string)
		service := ResolveTool(tool)
		r.logger.Debug("Tool resolved", map[string]interface{}{
			"operation": "route",
			"tool":      tool,
			"service":   service,
		})
		return service, nil
	default:
		return nil, nil
	}
}
