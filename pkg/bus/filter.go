package bus

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/corvid-labs/rookery/pkg/types"
)

// Op compares a message field against a condition value.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpLt       Op = "lt"
	OpContains Op = "contains"
	OpMatches  Op = "matches"
	OpIn       Op = "in"
)

// Action is a filter outcome.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionDeny   Action = "deny"
	ActionModify Action = "modify"
	ActionRoute  Action = "route"
)

// Condition is one predicate over a message field. Fields: type, sender,
// content, content_type, priority, size, correlation_id.
type Condition struct {
	Field string
	Op    Op
	Value string
	// Values backs the "in" operator.
	Values []string
}

// Filter is one entry in a channel's filter chain.
type Filter struct {
	ID         string
	Priority   int // higher evaluates first
	Conditions []Condition
	Action     Action
	// Modify maps field -> new value, applied when Action is modify.
	Modify map[string]string
	// RouteTo names the channel for the route action.
	RouteTo string
}

// Verdict is the outcome of running a filter chain.
type Verdict struct {
	Action  Action
	RouteTo string
}

// Middleware may transform a message or drop it by returning nil.
type Middleware func(*types.Message) *types.Message

// matches reports whether every condition holds for the message.
func (f *Filter) matches(msg *types.Message) bool {
	for _, c := range f.Conditions {
		if !c.holds(msg) {
			return false
		}
	}
	return true
}

func (c *Condition) holds(msg *types.Message) bool {
	field := fieldValue(msg, c.Field)
	switch c.Op {
	case OpEq:
		return field == c.Value
	case OpNe:
		return field != c.Value
	case OpGt, OpLt:
		a, errA := strconv.ParseFloat(field, 64)
		b, errB := strconv.ParseFloat(c.Value, 64)
		if errA != nil || errB != nil {
			return false
		}
		if c.Op == OpGt {
			return a > b
		}
		return a < b
	case OpContains:
		return strings.Contains(field, c.Value)
	case OpMatches:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(field)
	case OpIn:
		for _, v := range c.Values {
			if field == v {
				return true
			}
		}
		return false
	}
	return false
}

func fieldValue(msg *types.Message, field string) string {
	switch field {
	case "type":
		return msg.Type
	case "sender":
		return msg.Sender
	case "content":
		return string(msg.Content)
	case "content_type":
		return msg.ContentType
	case "priority":
		return strconv.Itoa(msg.Priority.Rank())
	case "size":
		return strconv.Itoa(msg.Size)
	case "correlation_id":
		return msg.CorrelationID
	}
	return ""
}

func applyModify(msg *types.Message, modify map[string]string) {
	for field, value := range modify {
		switch field {
		case "type":
			msg.Type = value
		case "content":
			msg.Content = []byte(value)
			msg.Size = len(msg.Content)
		case "content_type":
			msg.ContentType = value
		case "priority":
			msg.Priority = types.MessagePriority(value)
		case "correlation_id":
			msg.CorrelationID = value
		}
	}
}

// runFilters evaluates a chain in priority order. The first matching
// filter's action wins, except modify which mutates and continues. An
// empty or non-matching chain allows.
func runFilters(filters []Filter, msg *types.Message) Verdict {
	chain := make([]Filter, len(filters))
	copy(chain, filters)
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].Priority > chain[j].Priority })

	for i := range chain {
		f := &chain[i]
		if !f.matches(msg) {
			continue
		}
		switch f.Action {
		case ActionModify:
			applyModify(msg, f.Modify)
			continue
		case ActionRoute:
			return Verdict{Action: ActionRoute, RouteTo: f.RouteTo}
		case ActionDeny:
			return Verdict{Action: ActionDeny}
		default:
			return Verdict{Action: ActionAllow}
		}
	}
	return Verdict{Action: ActionAllow}
}

// runMiddleware applies the chain in order; a nil return drops the message.
func runMiddleware(chain []Middleware, msg *types.Message) *types.Message {
	for _, mw := range chain {
		msg = mw(msg)
		if msg == nil {
			return nil
		}
	}
	return msg
}
