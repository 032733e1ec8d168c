package instrument

import (
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
)

// Event represents a lifecycle event applied to an instrument.
type Event string

const (
	EventIssue           Event = "ISSUE"
	EventChainConfirmed  Event = "ONCHAIN_CONFIRMED"
	EventChainFailed     Event = "ONCHAIN_FAILED"
	EventRetryOnchain    Event = "RETRY_ONCHAIN"
	EventRollbackToDraft Event = "ROLLBACK_TO_DRAFT"
	EventFreeze          Event = "FREEZE"
	EventUnfreeze        Event = "UNFREEZE"
	EventEndorse         Event = "ENDORSE"
	EventTransfer        Event = "TRANSFER"
	EventPledge          Event = "PLEDGE"
	EventUnpledge        Event = "UNPLEDGE"
	EventDiscount        Event = "DISCOUNT"
	EventFinance         Event = "FINANCE"
	EventSplit           Event = "SPLIT"
	EventMerge           Event = "MERGE"
	EventCancel          Event = "CANCEL"
	EventDishonor        Event = "DISHONOR"
	EventSettle          Event = "SETTLE"
)

// Rule defines one legal transition: allowed source statuses, the target
// status, whether the instrument must already be anchored on chain, and an
// optional business-guard expression evaluated against instrument attributes.
type Rule struct {
	Sources        []Status
	Target         Status
	RequireOnchain bool
	Guard          string
}

func (r Rule) allows(from Status) bool {
	for _, s := range r.Sources {
		if s == from {
			return true
		}
	}
	return false
}

// common transitions shared by both instrument kinds. The chain-write retry
// loop (ONCHAIN_FAILED) is reachable only from PENDING_ONCHAIN.
var commonRules = map[Event]Rule{
	EventIssue:           {Sources: []Status{StatusDraft}, Target: StatusPendingOnchain},
	EventChainConfirmed:  {Sources: []Status{StatusPendingOnchain}, Target: StatusNormal},
	EventChainFailed:     {Sources: []Status{StatusPendingOnchain}, Target: StatusOnchainFailed},
	EventRetryOnchain:    {Sources: []Status{StatusOnchainFailed}, Target: StatusPendingOnchain},
	EventRollbackToDraft: {Sources: []Status{StatusOnchainFailed}, Target: StatusDraft},
	EventFreeze:          {Sources: []Status{StatusNormal}, Target: StatusFrozen},
	EventUnfreeze:        {Sources: []Status{StatusFrozen}, Target: StatusNormal},
	EventSplit:           {Sources: []Status{StatusNormal}, Target: StatusSplit, RequireOnchain: true},
	EventMerge:           {Sources: []Status{StatusNormal}, Target: StatusMerged, RequireOnchain: true},
	EventCancel:          {Sources: []Status{StatusDraft, StatusNormal, StatusFrozen, StatusOnchainFailed}, Target: StatusCancelled},
}

var billRules = map[Event]Rule{
	EventEndorse:  {Sources: []Status{StatusNormal, StatusEndorsed}, Target: StatusEndorsed, RequireOnchain: true},
	EventDiscount: {Sources: []Status{StatusNormal, StatusEndorsed}, Target: StatusDiscounted, RequireOnchain: true},
	EventDishonor: {Sources: []Status{StatusNormal, StatusEndorsed, StatusDiscounted}, Target: StatusDishonored},
	EventSettle:   {Sources: []Status{StatusNormal, StatusEndorsed, StatusDiscounted, StatusDishonored}, Target: StatusSettled},
}

var receiptRules = map[Event]Rule{
	EventTransfer: {Sources: []Status{StatusNormal, StatusTransferred}, Target: StatusTransferred, RequireOnchain: true},
	EventPledge:   {Sources: []Status{StatusNormal}, Target: StatusPledged, RequireOnchain: true},
	EventUnpledge: {Sources: []Status{StatusPledged}, Target: StatusNormal},
	EventFinance:  {Sources: []Status{StatusNormal, StatusPledged}, Target: StatusFinanced, RequireOnchain: true},
	EventSettle:   {Sources: []Status{StatusNormal, StatusTransferred, StatusPledged, StatusFinanced}, Target: StatusSettled},
}

// Machine validates and applies status transitions. One table per instrument
// kind, sharing the transition-engine implementation.
type Machine struct {
	tables map[Kind]map[Event]Rule
	guards map[Event]string
}

// NewMachine builds the state machine. extraGuards maps events to boolean
// govaluate expressions evaluated against the instrument's attributes as an
// additional business guard.
func NewMachine(extraGuards map[Event]string) *Machine {
	tables := map[Kind]map[Event]Rule{
		KindBill:             mergeRules(commonRules, billRules),
		KindWarehouseReceipt: mergeRules(commonRules, receiptRules),
	}
	return &Machine{tables: tables, guards: extraGuards}
}

func mergeRules(base, extra map[Event]Rule) map[Event]Rule {
	out := make(map[Event]Rule, len(base)+len(extra))
	for ev, r := range base {
		out[ev] = r
	}
	for ev, r := range extra {
		out[ev] = r
	}
	return out
}

// RuleFor returns the transition rule for the kind and event, if any.
func (m *Machine) RuleFor(kind Kind, ev Event) (Rule, bool) {
	table, ok := m.tables[kind]
	if !ok {
		return Rule{}, false
	}
	r, ok := table[ev]
	return r, ok
}

// Validate checks guards (a) source status and (b) chain readiness without
// mutating the instrument.
func (m *Machine) Validate(inst *Instrument, ev Event) (Rule, error) {
	rule, ok := m.RuleFor(inst.Kind, ev)
	if !ok {
		return Rule{}, fmt.Errorf("%w: event %s not defined for kind %s", ErrInvalidTransition, ev, inst.Kind)
	}
	if !rule.allows(inst.Status) {
		return Rule{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, inst.Status)
	}
	if rule.RequireOnchain && inst.ChainStatus != ChainOnchain {
		return Rule{}, fmt.Errorf("%w: %s requires chain status ONCHAIN, have %s", ErrInvalidTransition, ev, inst.ChainStatus)
	}
	return rule, nil
}

// Apply validates all three guards and mutates the instrument status. The
// business guard (c) is the configured expression for the event, evaluated
// against the instrument attributes; a false result is PreconditionFailed.
func (m *Machine) Apply(inst *Instrument, ev Event) error {
	rule, err := m.Validate(inst, ev)
	if err != nil {
		return err
	}
	if pass, gerr := m.evalGuard(inst, ev, rule); gerr != nil {
		return gerr
	} else if !pass {
		return fmt.Errorf("%w: guard rejected %s", ErrPreconditionFailed, ev)
	}
	inst.Status = rule.Target
	return nil
}

func (m *Machine) evalGuard(inst *Instrument, ev Event, rule Rule) (bool, error) {
	expr := rule.Guard
	if g, ok := m.guards[ev]; ok && strings.TrimSpace(g) != "" {
		expr = g
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	parsed, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return false, fmt.Errorf("%w: bad guard expression: %v", ErrPreconditionFailed, err)
	}
	result, err := parsed.Evaluate(guardParams(inst))
	if err != nil {
		return false, fmt.Errorf("%w: guard evaluation: %v", ErrPreconditionFailed, err)
	}
	pass, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: guard did not evaluate to boolean", ErrPreconditionFailed)
	}
	return pass, nil
}

func guardParams(inst *Instrument) map[string]interface{} {
	value, _ := inst.Value.Float64()
	params := map[string]interface{}{
		"kind":          string(inst.Kind),
		"status":        string(inst.Status),
		"chainStatus":   string(inst.ChainStatus),
		"value":         value,
		"version":       inst.Version,
		"flagged":       inst.Flagged,
		"pendingReview": inst.PendingReview != nil,
	}
	if inst.Quantity != nil {
		params["quantity"] = *inst.Quantity
	}
	return params
}
