package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

var defaultRules = [][]string{
	{string(RoleViewer), "/api/*", "^(GET|HEAD|OPTIONS)$"},
	{string(RoleOperator), "/api/v1/incidents/:id/status", "^POST$"},
	{string(RoleOperator), "/api/v1/incidents/toggle", "^POST$"},
	{string(RoleAdmin), "/api/*", ".*"},
}

var defaultGrants = [][]string{
	{string(RoleOperator), string(RoleViewer)},
	{string(RoleAdmin), string(RoleOperator)},
}

// Policy decides which roles may call which routes.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
	enforcer       *casbin.Enforcer
}

// NewDefaultPolicy builds the RBAC policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) (*Policy, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("auth: rbac model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("auth: rbac enforcer: %w", err)
	}
	if _, err := enforcer.AddPolicies(defaultRules); err != nil {
		return nil, fmt.Errorf("auth: rbac rules: %w", err)
	}
	if _, err := enforcer.AddGroupingPolicies(defaultGrants); err != nil {
		return nil, fmt.Errorf("auth: rbac grants: %w", err)
	}

	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return &Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes, enforcer: enforcer}, nil
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p *Policy) IsExempt(r *http.Request) bool {
	if p == nil || r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// Protected reports whether the request path is under RBAC.
func (p *Policy) Protected(r *http.Request) bool {
	return r != nil && strings.HasPrefix(r.URL.Path, "/api/")
}

// Allowed reports whether role may perform the request.
func (p *Policy) Allowed(role Role, r *http.Request) (bool, error) {
	if p == nil || p.enforcer == nil || r == nil {
		return false, nil
	}
	return p.enforcer.Enforce(string(role), r.URL.Path, r.Method)
}
