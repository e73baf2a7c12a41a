package types

import "time"

// PredicateKind is the closed set of routing predicates
type PredicateKind string

const (
	PredicateKeyword      PredicateKind = "keyword"
	PredicateCustomerType PredicateKind = "customer-type"
	PredicateTimeWindow   PredicateKind = "time-window"
	PredicateSkill        PredicateKind = "skill"
)

// RoutingRule maps a predicate to a target queue
type RoutingRule struct {
	ID          string        `json:"id"`
	Priority    int           `json:"priority"`
	Predicate   PredicateKind `json:"predicate"`
	Keywords    []string      `json:"keywords,omitempty"`
	Tier        PriorityTier  `json:"tier,omitempty"`
	WindowStart string        `json:"windowStart,omitempty"` // HH:MM
	WindowEnd   string        `json:"windowEnd,omitempty"`   // HH:MM
	Skills      []string      `json:"skills,omitempty"`
	TargetQueue QueueName     `json:"targetQueue"`
	CreatedAt   time.Time     `json:"createdAt"`
	Seq         int64         `json:"seq"`
}
