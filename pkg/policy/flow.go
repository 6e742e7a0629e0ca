// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/tidwall/gjson"
)

// NodeType enumerates the decision-flow vocabulary.
type NodeType string

// Flow node types.
const (
	NodeStart       NodeType = "start"
	NodeLogin       NodeType = "login"
	NodeDecision    NodeType = "decision"
	NodeConsent     NodeType = "consent"
	NodeRegister    NodeType = "register"
	NodeLinkAccount NodeType = "link_account"
	NodeError       NodeType = "error"
	NodeEnd         NodeType = "end"
)

// Operator enumerates branch predicate comparisons.
type Operator string

// Branch predicate operators.
const (
	OpIsTrue  Operator = "isTrue"
	OpIsFalse Operator = "isFalse"
	OpEq      Operator = "eq"
	OpNeq     Operator = "neq"
	OpIn      Operator = "in"
	OpGt      Operator = "gt"
	OpLt      Operator = "lt"
)

// maxFlowSteps is a hard stop against evaluator loops. Load-time cycle
// validation makes it unreachable for well-formed graphs.
const maxFlowSteps = 64

var (
	// ErrFlowInvalid is returned when a graph fails load-time validation.
	ErrFlowInvalid = errors.New("invalid decision flow")

	// ErrFlowHalted is returned when evaluation reaches an error node.
	ErrFlowHalted = errors.New("decision flow reached error node")
)

// Predicate compares a field of the previous node's outcome. Field is
// either "success" or a "result." dot path.
type Predicate struct {
	Field string          `json:"field"`
	Op    Operator        `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Branch is one prioritized edge out of a decision node. A nil predicate
// marks the mandatory default branch.
type Branch struct {
	Priority  int        `json:"priority"`
	Predicate *Predicate `json:"predicate,omitempty"`
	Target    string     `json:"target"`
}

// Node is one vertex of the flow graph. Non-decision nodes follow Next;
// decision nodes pick a branch.
type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Next     string   `json:"next,omitempty"`
	Branches []Branch `json:"branches,omitempty"`

	// Params carries node-specific configuration through to the handler.
	Params json.RawMessage `json:"params,omitempty"`
}

// Graph is a validated decision flow. Build with LoadGraph.
type Graph struct {
	nodes map[string]*Node
	start string
}

// Outcome is what a node handler produces: a success flag plus an
// arbitrary JSON result that downstream predicates inspect.
type Outcome struct {
	Success bool
	Result  json.RawMessage
}

// Handler executes one interactive node and reports its outcome.
type Handler func(ctx context.Context, node *Node) (Outcome, error)

// LoadGraph parses and validates a flow definition. Validation rejects
// unknown node types, dangling references, decision nodes without a
// default branch, multiple starts, and cycles.
func LoadGraph(raw []byte) (*Graph, error) {
	var def struct {
		Nodes []*Node `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlowInvalid, err)
	}

	g := &Graph{nodes: make(map[string]*Node, len(def.Nodes))}
	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node without id", ErrFlowInvalid)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrFlowInvalid, n.ID)
		}
		switch n.Type {
		case NodeStart:
			if g.start != "" {
				return nil, fmt.Errorf("%w: multiple start nodes", ErrFlowInvalid)
			}
			g.start = n.ID
		case NodeLogin, NodeDecision, NodeConsent, NodeRegister, NodeLinkAccount, NodeError, NodeEnd:
		default:
			return nil, fmt.Errorf("%w: unknown node type %q", ErrFlowInvalid, n.Type)
		}
		g.nodes[n.ID] = n
	}
	if g.start == "" {
		return nil, fmt.Errorf("%w: no start node", ErrFlowInvalid)
	}

	for _, n := range g.nodes {
		switch n.Type {
		case NodeEnd, NodeError:
			// Terminal.
		case NodeDecision:
			if err := validateDecision(g, n); err != nil {
				return nil, err
			}
		default:
			if n.Next == "" {
				return nil, fmt.Errorf("%w: node %q has no next", ErrFlowInvalid, n.ID)
			}
			if _, ok := g.nodes[n.Next]; !ok {
				return nil, fmt.Errorf("%w: node %q references unknown node %q", ErrFlowInvalid, n.ID, n.Next)
			}
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func validateDecision(g *Graph, n *Node) error {
	if len(n.Branches) == 0 {
		return fmt.Errorf("%w: decision node %q has no branches", ErrFlowInvalid, n.ID)
	}
	defaults := 0
	for _, b := range n.Branches {
		if _, ok := g.nodes[b.Target]; !ok {
			return fmt.Errorf("%w: node %q references unknown node %q", ErrFlowInvalid, n.ID, b.Target)
		}
		if b.Predicate == nil {
			defaults++
			continue
		}
		switch b.Predicate.Op {
		case OpIsTrue, OpIsFalse, OpEq, OpNeq, OpIn, OpGt, OpLt:
		default:
			return fmt.Errorf("%w: node %q uses unknown operator %q", ErrFlowInvalid, n.ID, b.Predicate.Op)
		}
	}
	if defaults != 1 {
		return fmt.Errorf("%w: decision node %q needs exactly one default branch, has %d", ErrFlowInvalid, n.ID, defaults)
	}
	return nil
}

// checkAcyclic rejects any cycle reachable from start.
func (g *Graph) checkAcyclic() error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: cycle through node %q", ErrFlowInvalid, id)
		case done:
			return nil
		}
		state[id] = visiting
		n := g.nodes[id]
		if n.Type == NodeDecision {
			for _, b := range n.Branches {
				if err := visit(b.Target); err != nil {
					return err
				}
			}
		} else if n.Next != "" {
			if err := visit(n.Next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	return visit(g.start)
}

// Evaluate walks the graph from start, invoking handler for every
// interactive node and steering decision nodes by the previous outcome.
// It returns the terminal node reached.
func (g *Graph) Evaluate(ctx context.Context, handler Handler) (*Node, error) {
	node := g.nodes[g.start]
	var prev Outcome

	for steps := 0; steps < maxFlowSteps; steps++ {
		switch node.Type {
		case NodeEnd:
			return node, nil
		case NodeError:
			return node, ErrFlowHalted
		case NodeStart:
			node = g.nodes[node.Next]
		case NodeDecision:
			node = g.nodes[g.pickBranch(node, prev)]
		default:
			out, err := handler(ctx, node)
			if err != nil {
				return node, err
			}
			prev = out
			node = g.nodes[node.Next]
		}
	}
	return node, fmt.Errorf("%w: step limit exceeded", ErrFlowInvalid)
}

// pickBranch evaluates predicates in priority order, lowest first, and
// falls back to the default branch.
func (g *Graph) pickBranch(n *Node, prev Outcome) string {
	branches := slices.Clone(n.Branches)
	slices.SortStableFunc(branches, func(a, b Branch) int {
		return a.Priority - b.Priority
	})

	defaultTarget := ""
	for _, b := range branches {
		if b.Predicate == nil {
			defaultTarget = b.Target
			continue
		}
		if matchPredicate(b.Predicate, prev) {
			return b.Target
		}
	}
	return defaultTarget
}

func matchPredicate(p *Predicate, prev Outcome) bool {
	actual := resolveField(p.Field, prev)
	switch p.Op {
	case OpIsTrue:
		return actual.Type == gjson.True
	case OpIsFalse:
		return actual.Type == gjson.False
	case OpEq:
		return jsonEqual(actual, p.Value)
	case OpNeq:
		return !jsonEqual(actual, p.Value)
	case OpIn:
		for _, item := range gjson.ParseBytes(p.Value).Array() {
			if actual.String() == item.String() {
				return true
			}
		}
		return false
	case OpGt:
		return actual.Float() > gjson.ParseBytes(p.Value).Float()
	case OpLt:
		return actual.Float() < gjson.ParseBytes(p.Value).Float()
	}
	return false
}

// resolveField maps "success" to the outcome flag and "result.*" dot paths
// into the result document.
func resolveField(field string, prev Outcome) gjson.Result {
	if field == "success" {
		if prev.Success {
			return gjson.Result{Type: gjson.True}
		}
		return gjson.Result{Type: gjson.False}
	}
	const prefix = "result."
	if len(field) > len(prefix) && field[:len(prefix)] == prefix {
		return gjson.GetBytes(prev.Result, field[len(prefix):])
	}
	return gjson.Result{}
}

func jsonEqual(actual gjson.Result, expected json.RawMessage) bool {
	exp := gjson.ParseBytes(expected)
	switch actual.Type {
	case gjson.Number:
		return exp.Type == gjson.Number && actual.Float() == exp.Float()
	case gjson.True, gjson.False:
		return actual.Type == exp.Type
	default:
		return actual.String() == exp.String() && actual.Type == exp.Type
	}
}
