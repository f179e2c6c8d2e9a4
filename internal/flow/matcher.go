package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/safety"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Matcher selects the flow an inbound message triggers.
type Matcher struct {
	flows   store.FlowRepo
	metrics *metrics.Metrics

	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
	unsafe  map[string]bool
}

// NewMatcher creates a Matcher.
func NewMatcher(flows store.FlowRepo, m *metrics.Metrics) *Matcher {
	return &Matcher{
		flows:   flows,
		metrics: m,
		regexes: make(map[string]*regexp.Regexp),
		unsafe:  make(map[string]bool),
	}
}

// Match returns the highest-priority active flow of the page with a firing trigger,
// after atomically incrementing its trigger count. It returns nil when nothing matches.
func (m *Matcher) Match(ctx context.Context, pageID, message string) (*models.Flow, error) {
	flows, err := m.flows.ListActiveFlows(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	for i := range flows {
		f := &flows[i]
		for _, trig := range f.GlobalTriggers {
			if !m.fires(f.ID, trig, message) {
				continue
			}
			if err := m.flows.IncrementFlowTriggerCount(ctx, f.ID); err != nil {
				return nil, fmt.Errorf("increment trigger count of %s: %w", f.ID, err)
			}
			f.TriggerCount++
			m.metrics.RecordFlowTrigger(f.ID)
			slog.Debug("Matcher.Match: flow triggered", "pageID", pageID, "flowID", f.ID, "trigger", trig.Value)
			return f, nil
		}
	}
	return nil, nil
}

func (m *Matcher) fires(flowID string, trig models.Trigger, message string) bool {
	switch trig.Type {
	case models.TriggerTypeKeyword:
		return MatchKeyword(trig, message)
	case models.TriggerTypeRegex:
		re := m.compile(flowID, trig)
		return re != nil && re.MatchString(message)
	default:
		slog.Warn("Matcher.fires: unknown trigger type", "flowID", flowID, "type", trig.Type)
		return false
	}
}

// MatchKeyword evaluates a keyword trigger. An empty match mode means contains.
func MatchKeyword(trig models.Trigger, message string) bool {
	value := strings.TrimSpace(trig.Value)
	if value == "" {
		return false
	}
	msg := strings.TrimSpace(message)
	if !trig.CaseSensitive {
		value = util.Fold(value)
		msg = util.Fold(msg)
	}
	switch trig.MatchMode {
	case models.MatchModeExact:
		return msg == value
	case models.MatchModeStartsWith:
		return strings.HasPrefix(msg, value)
	case models.MatchModeEndsWith:
		return strings.HasSuffix(msg, value)
	case models.MatchModeContains, "":
		return strings.Contains(msg, value)
	default:
		slog.Warn("MatchKeyword: unknown match mode", "mode", trig.MatchMode)
		return false
	}
}

// compile returns the cached regexp for trig, or nil when the pattern fails the safety check.
func (m *Matcher) compile(flowID string, trig models.Trigger) *regexp.Regexp {
	pattern := trig.Value
	if !trig.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.regexes[pattern]; ok {
		return re
	}
	if m.unsafe[pattern] {
		return nil
	}
	if err := safety.CheckRegex(trig.Value); err != nil {
		slog.Warn("Matcher.compile: unsafe regex trigger skipped", "flowID", flowID, "pattern", trig.Value, "error", err)
		m.unsafe[pattern] = true
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Warn("Matcher.compile: invalid regex trigger skipped", "flowID", flowID, "pattern", trig.Value, "error", err)
		m.unsafe[pattern] = true
		return nil
	}
	m.regexes[pattern] = re
	return re
}
