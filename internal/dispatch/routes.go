package dispatch

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/relay/pkg/schema"
)

// Rule maps events matching a boolean expression to a sink topic.
// Expressions see `subject` and `eventType`, e.g.
// `eventType endsWith "Failed"` or `subject startsWith "activities/"`.
type Rule struct {
	Match string `json:"match"`
	Topic string `json:"topic"`
}

type compiledRule struct {
	program *vm.Program
	topic   string
}

// Router picks the sink topic for an integration event. Rules are evaluated
// in order; the first match wins, otherwise the default topic is used.
type Router struct {
	rules        []compiledRule
	defaultTopic string
}

type routeEnv struct {
	Subject   string `expr:"subject"`
	EventType string `expr:"eventType"`
}

// NewRouter compiles the routing rules. A rule that does not compile or does
// not yield a boolean fails construction.
func NewRouter(defaultTopic string, rules []Rule) (*Router, error) {
	if defaultTopic == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "router requires a default topic")
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Topic == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "route %q has no topic", rule.Match)
		}
		program, err := expr.Compile(rule.Match, expr.Env(routeEnv{}), expr.AsBool())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile route %q", rule.Match).WithCause(err)
		}
		compiled = append(compiled, compiledRule{program: program, topic: rule.Topic})
	}
	return &Router{rules: compiled, defaultTopic: defaultTopic}, nil
}

// Topic returns the sink topic for the event.
func (r *Router) Topic(event schema.IntegrationEvent) (string, error) {
	env := routeEnv{Subject: event.Subject, EventType: event.EventType}
	for _, rule := range r.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			return "", fmt.Errorf("evaluate route: %w", err)
		}
		if matched, ok := out.(bool); ok && matched {
			return rule.topic, nil
		}
	}
	return r.defaultTopic, nil
}
