package server

import (
	"fmt"
	"regexp"
	"slices"
)

// Policy is the effective authorization requirement for one request.
type Policy struct {
	RequiredRoles []string
	Bypass        bool
}

// Customization pairs an endpoint filter with an incremental policy
// contribution applied on top of the global requirements.
type Customization struct {
	Filter EndpointFilter `yaml:"filter"`
	Config EndpointPolicy `yaml:"config"`
}

// EndpointPolicy is the contribution of one matching customization.
type EndpointPolicy struct {
	RequiredRoles []string `yaml:"required_roles"`
	Bypass        bool     `yaml:"bypass"`
}

// EndpointFilter is a predicate over (host, path). Unset fields impose no
// constraint; a filter matches iff every set field holds.
type EndpointFilter struct {
	Hostname      string `yaml:"hostname"`
	HostnameRegex string `yaml:"hostname_regex"`
	Path          string `yaml:"path"`
	PathPrefix    string `yaml:"path_prefix"`
	PathRegex     string `yaml:"path_regex"`

	hostnameRE *regexp.Regexp
	pathRE     *regexp.Regexp
}

// compile builds the regex predicates once at config load time.
func (f *EndpointFilter) compile() error {
	if f.HostnameRegex != "" {
		re, err := regexp.Compile(f.HostnameRegex)
		if err != nil {
			return fmt.Errorf("compile hostname_regex: %w", err)
		}
		f.hostnameRE = re
	}
	if f.PathRegex != "" {
		re, err := regexp.Compile(f.PathRegex)
		if err != nil {
			return fmt.Errorf("compile path_regex: %w", err)
		}
		f.pathRE = re
	}
	return nil
}

// Matches reports whether every set predicate holds for (host, path).
func (f *EndpointFilter) Matches(host, path string) bool {
	if f.Hostname != "" && host != f.Hostname {
		return false
	}
	if f.hostnameRE != nil && !f.hostnameRE.MatchString(host) {
		return false
	}
	if f.Path != "" && path != f.Path {
		return false
	}
	if f.PathPrefix != "" && !hasPathPrefix(path, f.PathPrefix) {
		return false
	}
	if f.pathRE != nil && !f.pathRE.MatchString(path) {
		return false
	}
	return true
}

func hasPathPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

// ResolvePolicy merges the contributions of every rule matching (host, path)
// into the global requirements. Roles are unioned and bypass flags are OR'd,
// so the result does not depend on rule order.
func ResolvePolicy(globalRoles []string, rules []Customization, host, path string) Policy {
	roles := slices.Clone(globalRoles)
	bypass := false

	for i := range rules {
		if !rules[i].Filter.Matches(host, path) {
			continue
		}
		roles = append(roles, rules[i].Config.RequiredRoles...)
		if rules[i].Config.Bypass {
			bypass = true
		}
	}

	slices.Sort(roles)
	roles = slices.Compact(roles)

	return Policy{RequiredRoles: roles, Bypass: bypass}
}

// UncustomizedPolicy is the degenerate resolution used when no request
// context is available: global roles only, no bypass.
func UncustomizedPolicy(globalRoles []string) Policy {
	roles := slices.Clone(globalRoles)
	slices.Sort(roles)
	roles = slices.Compact(roles)
	return Policy{RequiredRoles: roles}
}
