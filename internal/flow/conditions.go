package flow

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Condition expression prefixes. There is no negation, numeric comparison or boolean composition.
const (
	condContains = "contains:"
	condEquals   = "equals:"
	condVariable = "variable:"
)

// EvaluateCondition reports whether expr holds for the inbound message and variables.
//
//	contains:<text>          case-insensitive substring of the message
//	equals:<text>            case-insensitive match of the whole (trimmed) message
//	variable:<name>:<value>  variables[name] is the string value
//
// Malformed or unknown expressions never hold.
func EvaluateCondition(expr, message string, variables map[string]any) bool {
	switch {
	case strings.HasPrefix(expr, condContains):
		return util.ContainsFold(message, strings.TrimPrefix(expr, condContains))
	case strings.HasPrefix(expr, condEquals):
		want := strings.TrimSpace(strings.TrimPrefix(expr, condEquals))
		return util.Fold(strings.TrimSpace(message)) == util.Fold(want)
	case strings.HasPrefix(expr, condVariable):
		name, value, ok := strings.Cut(strings.TrimPrefix(expr, condVariable), ":")
		if !ok || name == "" {
			slog.Warn("EvaluateCondition: malformed variable condition", "expression", expr)
			return false
		}
		got, ok := variables[name].(string)
		return ok && got == value
	default:
		slog.Warn("EvaluateCondition: unsupported expression", "expression", expr)
		return false
	}
}

// nextNode picks the successor of node: the first satisfied condition, else nextNodes[0].
func nextNode(node *models.Node, message string, variables map[string]any) (string, bool) {
	for _, c := range node.Conditions {
		if c.TargetNodeID != "" && EvaluateCondition(c.Expression, message, variables) {
			return c.TargetNodeID, true
		}
	}
	return node.DefaultNext()
}
