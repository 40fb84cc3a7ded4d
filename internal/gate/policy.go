// Package gate classifies request paths against a data-driven access policy
// and turns the caller's access credential into allow or redirect decisions.
package gate

import (
	"errors"
	"fmt"
	"strings"

	"learnhub.org/internal/auth"
)

// Rule restricts a path prefix to a set of roles.
type Rule struct {
	Prefix string      `yaml:"prefix"`
	Roles  []auth.Role `yaml:"roles"`
}

// Policy is the path classification table.
type Policy struct {
	LoginPath   string   `yaml:"login_path"`
	LandingPath string   `yaml:"landing_path"`
	PublicOnly  []string `yaml:"public_only"`
	Protected   []string `yaml:"protected"`
	Restricted  []Rule   `yaml:"restricted"`
}

// Class is the outcome of classifying a path.
type Class int

const (
	Open Class = iota
	PublicOnly
	Protected
	Restricted
)

func (c Class) String() string {
	switch c {
	case PublicOnly:
		return "public_only"
	case Protected:
		return "protected"
	case Restricted:
		return "restricted"
	default:
		return "open"
	}
}

// Classification carries the class and, for restricted paths, the roles allowed.
type Classification struct {
	Class  Class
	Prefix string
	Roles  []auth.Role
}

// DefaultPolicy returns the learning platform's built-in table.
func DefaultPolicy() Policy {
	adminOnly := []auth.Role{auth.RoleAdmin}
	staff := []auth.Role{auth.RoleInstructor, auth.RoleAdmin}
	studentOnly := []auth.Role{auth.RoleStudent}
	return Policy{
		LoginPath:   "/login",
		LandingPath: "/dashboard",
		PublicOnly:  []string{"/login", "/register"},
		Protected: []string{
			"/dashboard",
			"/profile",
			"/courses/enrolled",
			"/api/auth/me",
			"/api/courses",
		},
		Restricted: []Rule{
			{Prefix: "/dashboard/categories", Roles: adminOnly},
			{Prefix: "/dashboard/users", Roles: adminOnly},
			{Prefix: "/dashboard/courses/create", Roles: staff},
			{Prefix: "/dashboard/courses/edit", Roles: staff},
			{Prefix: "/dashboard/lessons", Roles: staff},
			{Prefix: "/dashboard/progress", Roles: studentOnly},
			{Prefix: "/dashboard/quizzes/attempt", Roles: studentOnly},
			{Prefix: "/api/categories", Roles: adminOnly},
			{Prefix: "/api/admin", Roles: adminOnly},
			{Prefix: "/api/courses/manage", Roles: staff},
			{Prefix: "/api/progress", Roles: studentOnly},
		},
	}
}

// Validate normalises prefixes and checks the table is usable.
func (p *Policy) Validate() error {
	p.LoginPath = normalizePrefix(p.LoginPath)
	p.LandingPath = normalizePrefix(p.LandingPath)
	if p.LoginPath == "" || p.LandingPath == "" {
		return errors.New("gate: login_path and landing_path are required")
	}
	for i, prefix := range p.PublicOnly {
		if p.PublicOnly[i] = normalizePrefix(prefix); p.PublicOnly[i] == "" {
			return fmt.Errorf("gate: public_only[%d] is empty", i)
		}
	}
	for i, prefix := range p.Protected {
		if p.Protected[i] = normalizePrefix(prefix); p.Protected[i] == "" {
			return fmt.Errorf("gate: protected[%d] is empty", i)
		}
	}
	for i := range p.Restricted {
		rule := &p.Restricted[i]
		rule.Prefix = normalizePrefix(rule.Prefix)
		if rule.Prefix == "" {
			return fmt.Errorf("gate: restricted[%d] has no prefix", i)
		}
		if len(rule.Roles) == 0 {
			return fmt.Errorf("gate: restricted %s lists no roles", rule.Prefix)
		}
		for j, role := range rule.Roles {
			parsed, err := auth.ParseRole(string(role))
			if err != nil {
				return fmt.Errorf("gate: restricted %s: %w", rule.Prefix, err)
			}
			rule.Roles[j] = parsed
		}
	}
	// A signed-in visitor is sent to the landing page, so it must not bounce back.
	if c := p.Classify(p.LandingPath).Class; c == PublicOnly || c == Restricted {
		return fmt.Errorf("gate: landing_path %s must be open or protected, not %s", p.LandingPath, c)
	}
	if c := p.Classify(p.LoginPath).Class; c == Protected || c == Restricted {
		return fmt.Errorf("gate: login_path %s must not require a session", p.LoginPath)
	}
	return nil
}

// Classify maps a request path to its class. Restricted rules win over
// protected prefixes, which win over public-only ones; among restricted rules
// the longest matching prefix applies.
func (p Policy) Classify(path string) Classification {
	var (
		best  *Rule
		bestN int
	)
	for i := range p.Restricted {
		rule := &p.Restricted[i]
		if matchPrefix(path, rule.Prefix) && len(rule.Prefix) > bestN {
			best, bestN = rule, len(rule.Prefix)
		}
	}
	if best != nil {
		return Classification{Class: Restricted, Prefix: best.Prefix, Roles: best.Roles}
	}
	for _, prefix := range p.Protected {
		if matchPrefix(path, prefix) {
			return Classification{Class: Protected, Prefix: prefix}
		}
	}
	for _, prefix := range p.PublicOnly {
		if matchPrefix(path, prefix) {
			return Classification{Class: PublicOnly, Prefix: prefix}
		}
	}
	return Classification{Class: Open}
}

// matchPrefix matches whole path segments: /dashboard matches /dashboard and
// /dashboard/x but not /dashboards.
func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
