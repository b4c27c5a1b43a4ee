// Package robots decides whether a fetch is permitted by a host's robots
// document under a configurable honoring policy.
package robots

import (
	"fmt"
	"strings"
)

// PolicyType selects which agent sections of a robots document govern a crawl.
type PolicyType string

// Honoring policy types.
const (
	PolicyIgnore         PolicyType = "ignore"
	PolicyClassic        PolicyType = "classic"
	PolicyCustom         PolicyType = "custom"
	PolicyMostFavored    PolicyType = "most-favored"
	PolicyMostFavoredSet PolicyType = "most-favored-set"
)

// HonoringPolicy configures how robots documents are obeyed.
type HonoringPolicy struct {
	Type PolicyType `mapstructure:"type"`
	// Masquerade rewrites the outgoing user agent to the token of the section
	// that granted access. Only the most-favored variants honor it.
	Masquerade bool `mapstructure:"masquerade"`
	// CustomRobots replaces every fetched document when Type is custom.
	CustomRobots string `mapstructure:"custom_robots"`
	// UserAgents is the ordered allow-list used by most-favored-set.
	UserAgents []string `mapstructure:"user_agents"`
}

// ParsePolicyType maps a configuration value onto a PolicyType.
func ParsePolicyType(s string) (PolicyType, error) {
	switch t := PolicyType(strings.ToLower(strings.TrimSpace(s))); t {
	case PolicyIgnore, PolicyClassic, PolicyCustom, PolicyMostFavored, PolicyMostFavoredSet:
		return t, nil
	case "":
		return PolicyClassic, nil
	default:
		return "", fmt.Errorf("unknown robots policy %q", s)
	}
}

// Validate checks that the fields required by Type are present.
func (h HonoringPolicy) Validate() error {
	if _, err := ParsePolicyType(string(h.Type)); err != nil {
		return err
	}
	switch h.Type {
	case PolicyCustom:
		if strings.TrimSpace(h.CustomRobots) == "" {
			return fmt.Errorf("robots policy %q requires custom_robots", h.Type)
		}
	case PolicyMostFavoredSet:
		if len(h.UserAgents) == 0 {
			return fmt.Errorf("robots policy %q requires user_agents", h.Type)
		}
	}
	return nil
}

// ShouldMasquerade reports whether granted fetches adopt the granting token.
func (h HonoringPolicy) ShouldMasquerade() bool {
	return h.Masquerade && (h.Type == PolicyMostFavored || h.Type == PolicyMostFavoredSet)
}
