package routing

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 4, hour, minute, 0, 0, time.UTC)
}

func newEngine(t *testing.T, rules ...types.RoutingRule) *Engine {
	t.Helper()
	e := NewEngine("general", map[string][]string{
		"billing": {"billing"},
		"spanish": {"spanish", "support"},
	}, time.UTC)
	require.NoError(t, e.Replace(rules))
	return e
}

func TestEmergencyBeatsVIP(t *testing.T) {
	e := newEngine(t,
		types.RoutingRule{ID: "vip", Priority: 2, Predicate: types.PredicateCustomerType, Tier: types.TierVIP, TargetQueue: "vip"},
		types.RoutingRule{ID: "emergency", Priority: 1, Predicate: types.PredicateKeyword, Keywords: []string{"emergency"}, TargetQueue: "emergency"},
	)

	d := e.Route(Input{
		Interaction: &types.Interaction{Signal: "This is an EMERGENCY"},
		Contact:     &types.Contact{PriorityTier: types.TierVIP},
		Now:         at(12, 0),
	})
	assert.Equal(t, types.QueueName("emergency"), d.Queue)
	assert.Equal(t, "emergency", d.RuleID)
}

func TestTiesBreakByCreationOrder(t *testing.T) {
	e := newEngine(t,
		types.RoutingRule{ID: "first", Priority: 5, Predicate: types.PredicateKeyword, Keywords: []string{"help"}, TargetQueue: "a"},
		types.RoutingRule{ID: "second", Priority: 5, Predicate: types.PredicateKeyword, Keywords: []string{"help"}, TargetQueue: "b"},
	)
	d := e.Route(Input{Interaction: &types.Interaction{Signal: "help me"}, Now: at(9, 0)})
	assert.Equal(t, "first", d.RuleID)
}

func TestReplaceKeepsCreationOrderOfStoredRules(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e := newEngine(t,
		types.RoutingRule{ID: "newer", Priority: 5, Predicate: types.PredicateKeyword, Keywords: []string{"help"}, TargetQueue: "b", CreatedAt: base.Add(time.Hour)},
		types.RoutingRule{ID: "undated", Priority: 5, Predicate: types.PredicateKeyword, Keywords: []string{"help"}, TargetQueue: "c"},
		types.RoutingRule{ID: "older", Priority: 5, Predicate: types.PredicateKeyword, Keywords: []string{"help"}, TargetQueue: "a", CreatedAt: base},
	)

	d := e.Route(Input{Interaction: &types.Interaction{Signal: "help me"}, Now: at(9, 0)})
	assert.Equal(t, "older", d.RuleID)

	rules := e.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"older", "newer", "undated"}, []string{rules[0].ID, rules[1].ID, rules[2].ID})
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name  string
		rule  types.RoutingRule
		input Input
		match bool
	}{
		{
			name:  "keyword case insensitive",
			rule:  types.RoutingRule{Predicate: types.PredicateKeyword, Keywords: []string{"Refund"}},
			input: Input{Interaction: &types.Interaction{Signal: "i want a REFUND now"}},
			match: true,
		},
		{
			name:  "keyword without signal",
			rule:  types.RoutingRule{Predicate: types.PredicateKeyword, Keywords: []string{"refund"}},
			input: Input{Interaction: &types.Interaction{}},
			match: false,
		},
		{
			name:  "customer type without contact",
			rule:  types.RoutingRule{Predicate: types.PredicateCustomerType, Tier: types.TierVIP},
			input: Input{Interaction: &types.Interaction{}},
			match: false,
		},
		{
			name:  "customer type other tier",
			rule:  types.RoutingRule{Predicate: types.PredicateCustomerType, Tier: types.TierVIP},
			input: Input{Interaction: &types.Interaction{}, Contact: &types.Contact{PriorityTier: types.TierStandard}},
			match: false,
		},
		{
			name:  "daytime window inside",
			rule:  types.RoutingRule{Predicate: types.PredicateTimeWindow, WindowStart: "09:00", WindowEnd: "17:00"},
			input: Input{Interaction: &types.Interaction{}, Now: at(16, 59)},
			match: true,
		},
		{
			name:  "daytime window end exclusive",
			rule:  types.RoutingRule{Predicate: types.PredicateTimeWindow, WindowStart: "09:00", WindowEnd: "17:00"},
			input: Input{Interaction: &types.Interaction{}, Now: at(17, 0)},
			match: false,
		},
		{
			name:  "overnight window late",
			rule:  types.RoutingRule{Predicate: types.PredicateTimeWindow, WindowStart: "22:00", WindowEnd: "06:00"},
			input: Input{Interaction: &types.Interaction{}, Now: at(23, 30)},
			match: true,
		},
		{
			name:  "overnight window early",
			rule:  types.RoutingRule{Predicate: types.PredicateTimeWindow, WindowStart: "22:00", WindowEnd: "06:00"},
			input: Input{Interaction: &types.Interaction{}, Now: at(5, 59)},
			match: true,
		},
		{
			name:  "overnight window midday",
			rule:  types.RoutingRule{Predicate: types.PredicateTimeWindow, WindowStart: "22:00", WindowEnd: "06:00"},
			input: Input{Interaction: &types.Interaction{}, Now: at(12, 0)},
			match: false,
		},
		{
			name:  "skill subset of topic",
			rule:  types.RoutingRule{Predicate: types.PredicateSkill, Skills: []string{"spanish"}},
			input: Input{Interaction: &types.Interaction{Topic: "Spanish"}},
			match: true,
		},
		{
			name:  "skill missing from topic",
			rule:  types.RoutingRule{Predicate: types.PredicateSkill, Skills: []string{"spanish"}},
			input: Input{Interaction: &types.Interaction{Topic: "billing"}},
			match: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			rule.ID = "r"
			rule.TargetQueue = "target"
			e := newEngine(t, rule)
			d := e.Route(tt.input)
			if tt.match {
				assert.Equal(t, types.QueueName("target"), d.Queue)
			} else {
				assert.Equal(t, types.QueueName("general"), d.Queue)
				assert.Empty(t, d.RuleID)
			}
		})
	}
}

func TestRequiredSkillsComeFromTopic(t *testing.T) {
	e := newEngine(t)
	d := e.Route(Input{Interaction: &types.Interaction{Topic: "spanish"}})
	assert.Equal(t, []string{"spanish", "support"}, d.RequiredSkills)
}

func TestInvalidRules(t *testing.T) {
	e := NewEngine("general", nil, time.UTC)

	err := e.Replace([]types.RoutingRule{{ID: "x", Predicate: "sentiment", TargetQueue: "q"}})
	assert.ErrorIs(t, err, ErrUnknownPredicate)

	err = e.Replace([]types.RoutingRule{{ID: "x", Predicate: types.PredicateTimeWindow, WindowStart: "25:00", WindowEnd: "06:00", TargetQueue: "q"}})
	assert.ErrorIs(t, err, ErrInvalidRule)

	err = e.Replace([]types.RoutingRule{{ID: "x", Predicate: types.PredicateKeyword, Keywords: []string{"a"}}})
	assert.ErrorIs(t, err, ErrInvalidRule)

	assert.Empty(t, e.Rules(), "failed replace keeps the previous snapshot")
}

func TestAddAndRemove(t *testing.T) {
	e := newEngine(t,
		types.RoutingRule{ID: "vip", Priority: 2, Predicate: types.PredicateCustomerType, Tier: types.TierVIP, TargetQueue: "vip"},
	)

	added, err := e.Add(types.RoutingRule{Priority: 1, Predicate: types.PredicateKeyword, Keywords: []string{"fire"}, TargetQueue: "emergency"})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)

	rules := e.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, added.ID, rules[0].ID)

	require.NoError(t, e.Remove(added.ID))
	assert.Len(t, e.Rules(), 1)
	assert.ErrorIs(t, e.Remove("nope"), ErrRuleNotFound)
}

func TestRouteIsDeterministicUnderConcurrentUpdates(t *testing.T) {
	e := newEngine(t,
		types.RoutingRule{ID: "emergency", Priority: 1, Predicate: types.PredicateKeyword, Keywords: []string{"emergency"}, TargetQueue: "emergency"},
	)
	input := Input{Interaction: &types.Interaction{Signal: "emergency"}, Now: at(10, 0)}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r, err := e.Add(types.RoutingRule{Priority: 10, Predicate: types.PredicateKeyword, Keywords: []string{"x"}, TargetQueue: "other"})
			if err == nil {
				_ = e.Remove(r.ID)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.Equal(t, types.QueueName("emergency"), e.Route(input).Queue)
		}
	}()
	wg.Wait()
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"emergency","priority":1,"predicate":"keyword","keywords":["emergency"],"targetQueue":"emergency"},
		{"id":"night","priority":3,"predicate":"time-window","windowStart":"22:00","windowEnd":"06:00","targetQueue":"overnight"}
	]`), 0o600))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	e := NewEngine("general", nil, time.UTC)
	require.NoError(t, e.Replace(rules))
	assert.Equal(t, types.QueueName("overnight"), e.Route(Input{Interaction: &types.Interaction{}, Now: at(2, 0)}).Queue)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
