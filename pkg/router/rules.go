// Package router evaluates routing rules against incoming requests and
// selects a backend instance with a pluggable load-balancing strategy.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix/v2"

	"github.com/pbmcp/pbmcp/pkg/logger"
)

// ActionType enumerates what a matched rule does to the candidate set.
type ActionType string

// Rule actions.
const (
	ActionAllow    ActionType = "allow"
	ActionDeny     ActionType = "deny"
	ActionFilter   ActionType = "filter"
	ActionPrefer   ActionType = "prefer"
	ActionReject   ActionType = "reject"
	ActionRedirect ActionType = "redirect"
	ActionBalance  ActionType = "balance"
)

// Condition is the match side of a rule. Empty fields are wildcards; all
// populated fields must match for the rule to apply.
type Condition struct {
	Method         string            `json:"method,omitempty"`
	ServiceGroup   string            `json:"serviceGroup,omitempty"`
	ContentType    string            `json:"contentType,omitempty"`
	ClientIPPrefix string            `json:"clientIpPrefix,omitempty"`
	PathPattern    string            `json:"pathPattern,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Criteria narrows a candidate set for filter, prefer, and reject actions.
type Criteria struct {
	Group      string `json:"group,omitempty"`
	Transport  string `json:"transport,omitempty"`
	NamePrefix string `json:"namePrefix,omitempty"`
}

// Action is the effect side of a rule.
type Action struct {
	Type               ActionType `json:"type"`
	Criteria           *Criteria  `json:"criteria,omitempty"`
	TargetServiceGroup string     `json:"targetServiceGroup,omitempty"`
}

// Rule is one routing rule. Names are unique within a rule set; higher
// priority evaluates first, with insertion order as the stable tie-break.
type Rule struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	Condition Condition `json:"condition"`
	Action    Action    `json:"action"`

	seq int
}

// Request is the routing view of an incoming call.
type Request struct {
	Method        string
	Path          string
	ContentType   string
	ContentLength int64
	ClientIP      string
	ServiceGroup  string
	Headers       map[string]string
}

// ruleSet indexes rules two ways: rules carrying a path pattern live in a
// radix tree keyed by the pattern's longest literal prefix, everything else
// in a flat list. The tree is immutable and rebuilt on mutation, so matching
// takes no lock beyond the pointer read.
type ruleSet struct {
	mu      sync.RWMutex
	all     map[string]*Rule
	flat    []*Rule
	tree    *iradix.Tree[[]*Rule]
	nextSeq int
}

func newRuleSet() *ruleSet {
	return &ruleSet{
		all:  make(map[string]*Rule),
		tree: iradix.New[[]*Rule](),
	}
}

// add registers a rule. Names must be unique.
func (s *ruleSet) add(r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Name == "" {
		return fmt.Errorf("rule name must not be empty")
	}
	if _, exists := s.all[r.Name]; exists {
		return fmt.Errorf("rule %q already exists", r.Name)
	}
	r.seq = s.nextSeq
	s.nextSeq++
	s.all[r.Name] = r

	if r.Condition.PathPattern == "" {
		s.flat = append(s.flat, r)
		return nil
	}
	key := []byte(literalPrefix(r.Condition.PathPattern))
	bucket, _ := s.tree.Get(key)
	bucket = append(append([]*Rule(nil), bucket...), r)
	s.tree, _, _ = s.tree.Insert(key, bucket)
	return nil
}

// remove drops a rule by name.
func (s *ruleSet) remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.all[name]
	if !ok {
		return false
	}
	delete(s.all, name)

	if r.Condition.PathPattern == "" {
		for i, candidate := range s.flat {
			if candidate == r {
				s.flat = append(s.flat[:i], s.flat[i+1:]...)
				break
			}
		}
		return true
	}
	key := []byte(literalPrefix(r.Condition.PathPattern))
	bucket, _ := s.tree.Get(key)
	kept := make([]*Rule, 0, len(bucket))
	for _, candidate := range bucket {
		if candidate != r {
			kept = append(kept, candidate)
		}
	}
	if len(kept) == 0 {
		s.tree, _, _ = s.tree.Delete(key)
	} else {
		s.tree, _, _ = s.tree.Insert(key, kept)
	}
	return true
}

// match returns the union of flat rules and every radix bucket whose literal
// prefix covers the request path, deduplicated and sorted priority desc with
// insertion order as the tie-break.
func (s *ruleSet) match(path string) []*Rule {
	s.mu.RLock()
	flat := s.flat
	tree := s.tree
	s.mu.RUnlock()

	seen := make(map[string]bool, len(flat))
	out := make([]*Rule, 0, len(flat))
	for _, r := range flat {
		seen[r.Name] = true
		out = append(out, r)
	}
	tree.Root().WalkPath([]byte(path), func(_ []byte, bucket []*Rule) bool {
		for _, r := range bucket {
			if !seen[r.Name] {
				seen[r.Name] = true
				out = append(out, r)
			}
		}
		return false
	})

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// list returns every rule sorted the way match sorts them.
func (s *ruleSet) list() []*Rule {
	s.mu.RLock()
	out := make([]*Rule, 0, len(s.all))
	for _, r := range s.all {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// literalPrefix cuts a pattern at its first wildcard.
func literalPrefix(pattern string) string {
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// pathMatches applies the pattern to a path: a trailing * is a prefix
// wildcard, anything else is an exact match.
func pathMatches(pattern, path string) bool {
	if pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == path
}

// matches reports whether every populated condition field holds for the
// request.
func (c *Condition) matches(req *Request) bool {
	if c.Method != "" && c.Method != req.Method {
		return false
	}
	if c.ServiceGroup != "" && c.ServiceGroup != req.ServiceGroup {
		return false
	}
	if c.ContentType != "" && !strings.HasPrefix(req.ContentType, c.ContentType) {
		return false
	}
	if c.ClientIPPrefix != "" && !strings.HasPrefix(req.ClientIP, c.ClientIPPrefix) {
		return false
	}
	if c.PathPattern != "" && !pathMatches(c.PathPattern, req.Path) {
		return false
	}
	for k, want := range c.Headers {
		got, ok := lookupHeader(req.Headers, k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func lookupHeader(headers map[string]string, key string) (string, bool) {
	if v, ok := headers[key]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// matchesCriteria is the service-side filter used by filter, prefer, and
// reject actions.
func (c *Criteria) matchesCriteria(svc *Service) bool {
	if c == nil {
		return true
	}
	if c.Group != "" && c.Group != svc.Group {
		return false
	}
	if c.Transport != "" && c.Transport != svc.Transport {
		return false
	}
	if c.NamePrefix != "" && !strings.HasPrefix(svc.Template, c.NamePrefix) {
		return false
	}
	return true
}

func logRedirect(rule *Rule, group string) {
	logger.Infof("Routing rule %s redirecting to service group %s", rule.Name, group)
}
