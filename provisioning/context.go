package provisioning

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Section is a named group of parameters.
type Section map[string]any

// Artifact is the set of named values a step produced.
type Artifact map[string]any

// Context is the mutable state threaded through a pipeline.
type Context struct {
	Parameters  map[string]Section  `json:"parameters"`
	StepResults map[string]Artifact `json:"step_results"`

	hidden  map[string]struct{}
	current string
}

func NewContext() *Context {
	return &Context{
		Parameters:  map[string]Section{},
		StepResults: map[string]Artifact{},
	}
}

// Section returns the named section, creating it when absent.
func (c *Context) Section(name string) Section {
	if c.Parameters == nil {
		c.Parameters = map[string]Section{}
	}
	s, ok := c.Parameters[name]
	if !ok {
		s = Section{}
		c.Parameters[name] = s
	}
	return s
}

// Set stores a parameter.
func (c *Context) Set(section, key string, v any) {
	c.Section(section)[key] = v
}

// String returns a parameter as a trimmed string, "" when unset.
func (c *Context) String(section, key string) string {
	return c.Parameters[section].String(key)
}

// MergeParameters shallow-merges each section of params into the context.
func (c *Context) MergeParameters(params map[string]Section) {
	for name, values := range params {
		maps.Copy(c.Section(name), values)
	}
}

// Result returns the artifact recorded by stepID. While a pipeline runs, artifacts of
// steps that have not run yet in its ordering are not visible.
func (c *Context) Result(stepID string) (Artifact, bool) {
	if _, hidden := c.hidden[stepID]; hidden && stepID != c.current {
		return nil, false
	}
	a, ok := c.StepResults[stepID]
	return a, ok
}

// Record stores the artifact of stepID.
func (c *Context) Record(stepID string, a Artifact) {
	if c.StepResults == nil {
		c.StepResults = map[string]Artifact{}
	}
	if a == nil {
		a = Artifact{}
	}
	c.StepResults[stepID] = a
}

// Forget drops the artifact of stepID so the step runs again on the next pipeline run.
func (c *Context) Forget(stepID string) {
	delete(c.StepResults, stepID)
}

func (c *Context) beginRun(ids []string) {
	c.hidden = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c.hidden[id] = struct{}{}
	}
}

func (c *Context) enter(id string) {
	c.current = id
}

func (c *Context) leave(id string) {
	delete(c.hidden, id)
	c.current = ""
}

func (c *Context) endRun() {
	c.hidden = nil
	c.current = ""
}

// String returns the value of key as a trimmed string.
func (s Section) String(key string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(stringify(v))
}

// Int returns the value of key as an integer, or def when unset or malformed.
func (s Section) Int(key string, def int64) int64 {
	switch v := s[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// Bool returns the value of key as a boolean; "true", "yes", "1" and "on" are true.
func (s Section) Bool(key string) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "on":
			return true
		}
	case int:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}

// Strings returns a list parameter. Comma separated strings are split.
func (s Section) Strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str := strings.TrimSpace(stringify(item)); str != "" {
				out = append(out, str)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}

// String returns the value of key as a string.
func (a Artifact) String(key string) string {
	return Section(a).String(key)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
