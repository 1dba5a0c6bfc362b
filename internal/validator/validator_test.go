package validator

import (
	"strings"
	"testing"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

const orderYAML = `
name: orders
tenant_id: acme
failure_policy: continue
variables:
  threshold: 100
nodes:
  - id: fetch
    type: command
    config:
      command: ["./fetch.sh"]
    retries: 2
  - id: big
    type: set
    config:
      values:
        label: "=inputs.fetch.total > vars.threshold"
  - id: small
    type: noop
edges:
  - from: fetch
    to: big
    condition: inputs.fetch.total > vars.threshold
  - from: fetch
    to: small
    condition: inputs.fetch.total <= vars.threshold
triggers:
  - id: hook
    type: webhook
    filter: payload.event == "order"
`

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return v
}

func TestParseWorkflow(t *testing.T) {
	v := newValidator(t)

	wf, res := v.ParseWorkflow([]byte(orderYAML))
	if !res.Valid {
		t.Fatalf("ParseWorkflow() invalid: %+v", res.Errors)
	}
	if wf.Name != "orders" || wf.TenantID != "acme" {
		t.Errorf("name/tenant = %q/%q", wf.Name, wf.TenantID)
	}
	if len(wf.Nodes) != 3 || len(wf.Edges) != 2 || len(wf.Triggers) != 1 {
		t.Fatalf("got %d nodes, %d edges, %d triggers", len(wf.Nodes), len(wf.Edges), len(wf.Triggers))
	}
	if wf.Nodes[0].Retries != 2 {
		t.Errorf("Retries = %d, want 2", wf.Nodes[0].Retries)
	}
	if wf.FailurePolicy != types.FailurePolicyContinue {
		t.Errorf("FailurePolicy = %q", wf.FailurePolicy)
	}
	if wf.Triggers[0].Filter != `payload.event == "order"` {
		t.Errorf("Filter = %q", wf.Triggers[0].Filter)
	}
}

func TestParseWorkflow_JSON(t *testing.T) {
	v := newValidator(t)
	doc := `{"name": "j", "nodes": [{"id": "a", "type": "noop"}, {"id": "b", "type": "noop"}], "edges": [{"from": "a", "to": "b"}]}`

	wf, res := v.ParseWorkflow([]byte(doc))
	if !res.Valid {
		t.Fatalf("ParseWorkflow() invalid: %+v", res.Errors)
	}
	if wf.Edges[0].Key() != "a->b" {
		t.Errorf("edge key = %q", wf.Edges[0].Key())
	}
}

func TestParseWorkflow_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantPath string
	}{
		{
			name:     "missing nodes",
			doc:      "name: x\n",
			wantPath: "$",
		},
		{
			name:     "unknown node field",
			doc:      "name: x\nnodes:\n  - id: a\n    type: noop\n    retry: 3\n",
			wantPath: "/nodes/0",
		},
		{
			name:     "bad join",
			doc:      "name: x\nnodes:\n  - id: a\n    type: noop\n    join: some\n",
			wantPath: "/nodes/0/join",
		},
		{
			name:     "bad trigger type",
			doc:      "name: x\nnodes:\n  - id: a\n    type: noop\ntriggers:\n  - id: t\n    type: cron\n",
			wantPath: "/triggers/0/type",
		},
		{
			name:     "retries out of range",
			doc:      "name: x\nnodes:\n  - id: a\n    type: noop\n    retries: 50\n",
			wantPath: "/nodes/0/retries",
		},
		{
			name:     "retries below -1",
			doc:      "name: x\nnodes:\n  - id: a\n    type: noop\n    retries: -2\n",
			wantPath: "/nodes/0/retries",
		},
		{
			name:     "graph rule: unknown edge target",
			doc:      "name: x\nnodes:\n  - id: a\n    type: noop\nedges:\n  - from: a\n    to: ghost\n",
			wantPath: "edges[0].to",
		},
		{
			name:     "graph rule: unconditional cycle",
			doc:      "name: x\nnodes:\n  - id: s\n    type: noop\n  - id: a\n    type: noop\n  - id: b\n    type: noop\nedges:\n  - {from: s, to: a}\n  - {from: a, to: b}\n  - {from: b, to: a}\n",
			wantPath: "edges",
		},
		{
			name:     "not yaml",
			doc:      "name: [unterminated",
			wantPath: "$",
		},
		{
			name:     "empty",
			doc:      "",
			wantPath: "$",
		},
	}

	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, res := v.ParseWorkflow([]byte(tt.doc))
			if res.Valid {
				t.Fatal("ParseWorkflow() valid, want invalid")
			}
			found := false
			for _, is := range res.Errors {
				if is.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("no issue at %q in %+v", tt.wantPath, res.Errors)
			}
			if err := res.Err("wf"); !types.IsValidation(err) {
				t.Errorf("Err() = %v, want ValidationError", err)
			}
		})
	}
}

func TestValidateWorkflowJSON(t *testing.T) {
	v := newValidator(t)

	if res := v.ValidateWorkflowJSON([]byte(`{"name": "ok", "nodes": [{"id": "a", "type": "noop"}]}`)); !res.Valid {
		t.Errorf("valid document rejected: %+v", res.Errors)
	}
	if res := v.ValidateWorkflowJSON([]byte(`{"name": "ok", "nodes": [`)); res.Valid {
		t.Error("truncated JSON accepted")
	} else if !strings.Contains(res.Errors[0].Message, "invalid JSON") {
		t.Errorf("message = %q", res.Errors[0].Message)
	}
	if res := v.ValidateWorkflowJSON([]byte(`{"name": "ok", "nodes": [], "colour": "red"}`)); res.Valid {
		t.Error("empty nodes and unknown property accepted")
	}
}
