// Package routing decides which queue a new interaction belongs to.
package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/google/uuid"
)

var (
	ErrUnknownPredicate = errors.New("unknown routing predicate")
	ErrInvalidRule      = errors.New("invalid routing rule")
	ErrRuleNotFound     = errors.New("routing rule not found")
)

// Input is everything a rule may look at
type Input struct {
	Interaction *types.Interaction
	Contact     *types.Contact // nil when unresolved or degraded
	Now         time.Time
}

// Decision is the result of evaluating the rule set
type Decision struct {
	Queue          types.QueueName
	RuleID         string // empty when the default queue was used
	RequiredSkills []string
}

// snapshot is immutable once published
type snapshot struct {
	rules   []types.RoutingRule
	windows map[string]window
	nextSeq int64
}

// Engine evaluates an immutable rule snapshot. Rule changes build a new
// snapshot and swap it in; evaluations in flight keep the one they loaded.
type Engine struct {
	current      atomic.Pointer[snapshot]
	defaultQueue types.QueueName
	topicSkills  map[string][]string
	location     *time.Location
}

// NewEngine creates an engine with a default queue and topic skill catalogue
func NewEngine(defaultQueue types.QueueName, topicSkills map[string][]string, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	e := &Engine{
		defaultQueue: defaultQueue,
		topicSkills:  topicSkills,
		location:     loc,
	}
	e.current.Store(&snapshot{windows: map[string]window{}})
	return e
}

// SkillsForTopic returns the required skills of a declared topic
func (e *Engine) SkillsForTopic(topic string) []string {
	return e.topicSkills[strings.ToLower(strings.TrimSpace(topic))]
}

// Rules returns the current rule set in evaluation order
func (e *Engine) Rules() []types.RoutingRule {
	s := e.current.Load()
	out := make([]types.RoutingRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Replace validates and installs a complete rule set. Rules keep their
// CreatedAt order; undated rules are new and follow in slice order.
func (e *Engine) Replace(rules []types.RoutingRule) error {
	ordered := make([]types.RoutingRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].CreatedAt, ordered[j].CreatedAt
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		return a.Before(b)
	})

	next := &snapshot{windows: map[string]window{}}
	for _, r := range ordered {
		if err := next.add(r); err != nil {
			return err
		}
	}
	next.sort()
	e.current.Store(next)
	return nil
}

// Add appends a rule after all existing rules of equal priority
func (e *Engine) Add(rule types.RoutingRule) (types.RoutingRule, error) {
	for {
		cur := e.current.Load()
		next := cur.clone()
		if err := next.add(rule); err != nil {
			return types.RoutingRule{}, err
		}
		added := next.rules[len(next.rules)-1]
		next.sort()
		if e.current.CompareAndSwap(cur, next) {
			return added, nil
		}
	}
}

// Remove deletes a rule by id
func (e *Engine) Remove(id string) error {
	for {
		cur := e.current.Load()
		next := &snapshot{windows: map[string]window{}, nextSeq: cur.nextSeq}
		found := false
		for _, r := range cur.rules {
			if r.ID == id {
				found = true
				continue
			}
			next.rules = append(next.rules, r)
			if w, ok := cur.windows[r.ID]; ok {
				next.windows[r.ID] = w
			}
		}
		if !found {
			return ErrRuleNotFound
		}
		if e.current.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Route returns the first matching rule's queue, or the default queue.
// Evaluation is pure: the same input and snapshot give the same answer.
func (e *Engine) Route(in Input) Decision {
	s := e.current.Load()
	skills := e.SkillsForTopic(topicOf(in.Interaction))

	for i := range s.rules {
		rule := &s.rules[i]
		if e.matches(s, rule, in, skills) {
			return Decision{Queue: rule.TargetQueue, RuleID: rule.ID, RequiredSkills: skills}
		}
	}
	return Decision{Queue: e.defaultQueue, RequiredSkills: skills}
}

func (e *Engine) matches(s *snapshot, rule *types.RoutingRule, in Input, topicSkills []string) bool {
	switch rule.Predicate {
	case types.PredicateKeyword:
		return matchKeyword(rule.Keywords, signalOf(in.Interaction))
	case types.PredicateCustomerType:
		return in.Contact != nil && in.Contact.PriorityTier == rule.Tier
	case types.PredicateTimeWindow:
		w, ok := s.windows[rule.ID]
		return ok && w.contains(in.Now.In(e.location))
	case types.PredicateSkill:
		return matchSkills(rule.Skills, topicSkills)
	}
	return false
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		rules:   make([]types.RoutingRule, len(s.rules), len(s.rules)+1),
		windows: make(map[string]window, len(s.windows)+1),
		nextSeq: s.nextSeq,
	}
	copy(next.rules, s.rules)
	for k, v := range s.windows {
		next.windows[k] = v
	}
	return next
}

func (s *snapshot) add(rule types.RoutingRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	for _, r := range s.rules {
		if r.ID == rule.ID {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidRule, rule.ID)
		}
	}
	if rule.TargetQueue == "" {
		return fmt.Errorf("%w: rule %s has no target queue", ErrInvalidRule, rule.ID)
	}

	switch rule.Predicate {
	case types.PredicateKeyword:
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("%w: keyword rule %s has no keywords", ErrInvalidRule, rule.ID)
		}
	case types.PredicateCustomerType:
		if rule.Tier == "" {
			return fmt.Errorf("%w: customer-type rule %s has no tier", ErrInvalidRule, rule.ID)
		}
	case types.PredicateTimeWindow:
		w, err := parseWindow(rule.WindowStart, rule.WindowEnd)
		if err != nil {
			return fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, rule.ID, err)
		}
		s.windows[rule.ID] = w
	case types.PredicateSkill:
		if len(rule.Skills) == 0 {
			return fmt.Errorf("%w: skill rule %s has no skills", ErrInvalidRule, rule.ID)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPredicate, rule.Predicate)
	}

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	s.nextSeq++
	rule.Seq = s.nextSeq
	s.rules = append(s.rules, rule)
	return nil
}

// sort orders by priority, then creation order
func (s *snapshot) sort() {
	sort.SliceStable(s.rules, func(i, j int) bool {
		if s.rules[i].Priority != s.rules[j].Priority {
			return s.rules[i].Priority < s.rules[j].Priority
		}
		return s.rules[i].Seq < s.rules[j].Seq
	})
}

func signalOf(in *types.Interaction) string {
	if in == nil {
		return ""
	}
	return in.Signal
}

func topicOf(in *types.Interaction) string {
	if in == nil {
		return ""
	}
	return in.Topic
}

// matchKeyword is a case-insensitive substring test. No signal never matches.
func matchKeyword(keywords []string, signal string) bool {
	if signal == "" {
		return false
	}
	lower := strings.ToLower(signal)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// matchSkills reports whether the topic requires every rule skill
func matchSkills(ruleSkills, topicSkills []string) bool {
	if len(topicSkills) == 0 {
		return false
	}
	for _, need := range ruleSkills {
		found := false
		for _, have := range topicSkills {
			if strings.EqualFold(need, have) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
