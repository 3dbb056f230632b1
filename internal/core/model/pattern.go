package model

import "strings"

// Pattern match types. MatchType rows are created by operators and must
// correspond to logic choices here.
const (
	MatchTypeUsername = "Username"
	MatchTypeEmail    = "Email"
)

// PatternMatch grants (or denies) application access to users whose
// username or email matches a pattern. Patterns support comma-separated
// exact names and a single '*' wildcard.
type PatternMatch struct {
	ID          int64
	Pattern     string
	Type        string
	CreatedBy   string
	AllowAccess bool
}

// Matches evaluates the pattern against one user.
func (p *PatternMatch) Matches(u *User) bool {
	term := u.Username
	if p.Type == MatchTypeEmail {
		term = u.Email
	}

	matched := false
	switch {
	case strings.Contains(p.Pattern, ","):
		for _, part := range strings.Split(p.Pattern, ",") {
			if strings.TrimSpace(part) == term {
				matched = true
				break
			}
		}
	case strings.Contains(p.Pattern, "*"):
		matched = strings.Contains(term, strings.ReplaceAll(p.Pattern, "*", ""))
	default:
		matched = p.Pattern == term
	}

	if !p.AllowAccess {
		return !matched
	}
	return matched
}
