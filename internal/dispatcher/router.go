package dispatcher

import (
	"fmt"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Routing modes accepted by NewRouter.
const (
	RoutingGlobal   = "global"
	RoutingTenant   = "tenant"
	RoutingWorkflow = "workflow"
)

// Router picks the queue a workflow's runs are published to.
type Router interface {
	Route(wf *types.Workflow) string
}

// RouterFunc adapts a function to Router.
type RouterFunc func(wf *types.Workflow) string

func (f RouterFunc) Route(wf *types.Workflow) string { return f(wf) }

// GlobalRouter sends every run to one queue.
func GlobalRouter(name string) Router {
	return RouterFunc(func(*types.Workflow) string { return name })
}

// TenantRouter gives each tenant its own queue: prefix + tenant id.
func TenantRouter(prefix string) Router {
	return RouterFunc(func(wf *types.Workflow) string { return prefix + wf.TenantID })
}

// WorkflowRouter gives each workflow its own queue: prefix + workflow id.
func WorkflowRouter(prefix string) Router {
	return RouterFunc(func(wf *types.Workflow) string { return prefix + wf.ID })
}

// NewRouter builds the router for a routing mode. For the global mode name is
// the queue name; otherwise it is the prefix, joined with ":".
func NewRouter(mode, name string) (Router, error) {
	switch mode {
	case "", RoutingGlobal:
		return GlobalRouter(name), nil
	case RoutingTenant:
		return TenantRouter(name + ":"), nil
	case RoutingWorkflow:
		return WorkflowRouter(name + ":"), nil
	default:
		return nil, fmt.Errorf("unknown queue routing %q", mode)
	}
}
