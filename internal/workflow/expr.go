package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// StatusCheck is the status function an `if:` condition refers to
type StatusCheck string

const (
	CheckSuccess   StatusCheck = "success"
	CheckAlways    StatusCheck = "always"
	CheckFailure   StatusCheck = "failure"
	CheckCancelled StatusCheck = "cancelled"
)

// Condition is a parsed `if:` expression
type Condition struct {
	Check  StatusCheck
	Negate bool
}

// ParseCondition parses the status-function subset of step conditions.
// An empty expression means success().
func ParseCondition(expr string) (Condition, error) {
	s := strings.TrimSpace(expr)
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") {
		s = strings.TrimSpace(s[3 : len(s)-2])
	}
	if s == "" {
		return Condition{Check: CheckSuccess}, nil
	}

	var cond Condition
	if strings.HasPrefix(s, "!") {
		cond.Negate = true
		s = strings.TrimSpace(s[1:])
	}

	switch strings.ReplaceAll(s, " ", "") {
	case "success()":
		cond.Check = CheckSuccess
	case "always()":
		cond.Check = CheckAlways
	case "failure()":
		cond.Check = CheckFailure
	case "cancelled()":
		cond.Check = CheckCancelled
	default:
		return Condition{}, fmt.Errorf("unsupported condition %q (only success(), always(), failure(), cancelled() are supported)", expr)
	}
	return cond, nil
}

// Eval decides whether a step runs given the job state so far
func (c Condition) Eval(failed, cancelled bool) bool {
	var v bool
	switch c.Check {
	case CheckAlways:
		v = true
	case CheckFailure:
		v = failed && !cancelled
	case CheckCancelled:
		v = cancelled
	default:
		v = !failed && !cancelled
	}
	if c.Negate {
		return !v
	}
	return v
}

// ExprContext holds the values `${{ }}` references resolve against
type ExprContext struct {
	Env    map[string]string
	Github map[string]string // event_name, ref, ref_name, sha, actor, workspace
	Runner map[string]string // os, temp
	Steps  map[string]string // step id -> outcome
}

var exprPattern = regexp.MustCompile(`\$\{\{\s*(.*?)\s*\}\}`)

// Interpolate replaces `${{ ... }}` references in s.
// Unknown references expand to the empty string.
func Interpolate(s string, ctx ExprContext) string {
	if !strings.Contains(s, "${{") {
		return s
	}
	return exprPattern.ReplaceAllStringFunc(s, func(m string) string {
		ref := exprPattern.FindStringSubmatch(m)[1]
		return ctx.lookup(ref)
	})
}

func (c ExprContext) lookup(ref string) string {
	parts := strings.Split(ref, ".")
	switch {
	case len(parts) == 2 && parts[0] == "env":
		return c.Env[parts[1]]
	case len(parts) == 2 && parts[0] == "github":
		return c.Github[parts[1]]
	case len(parts) == 2 && parts[0] == "runner":
		return c.Runner[parts[1]]
	case len(parts) == 3 && parts[0] == "steps" && (parts[2] == "outcome" || parts[2] == "conclusion"):
		return c.Steps[parts[1]]
	}
	return ""
}
