// Package addrpolicy implements address ownership and number-class policy
// (C3): whether an authenticated user may assert a given address, and
// which class a destination number falls into for the purpose of PSTN
// admission control. Both operations are pure functions over their oracle
// results; neither holds state of its own.
package addrpolicy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sipwerk/proxy/internal/logging"
)

// Reason is the closed set of negative outcomes can_use_address can report.
type Reason int

const (
	ReasonOK Reason = iota
	ReasonEPerm
	ReasonNoMatch
)

func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "ok"
	case ReasonEPerm:
		return "eperm"
	default:
		return "nomatch"
	}
}

// OwnershipVerdict is the tagged result of can_use_address.
type OwnershipVerdict struct {
	Allowed bool
	Reason  Reason
}

// Class is an opaque number-classification tag, e.g. "internal", "external".
// "unknown" is the class assigned when nothing matches.
type Class string

// ClassUnknown is returned by ClassifyNumber when no rule matches or the
// number is absent.
const ClassUnknown Class = "unknown"

// ClassRule pairs a compiled regex with the class it assigns.
type ClassRule struct {
	Pattern *regexp.Regexp
	Class   Class
}

// CompileClassRules compiles an ordered (pattern, class) list. A pattern
// beginning "^+" is almost always an escaping mistake (the author meant to
// match a literal leading "+" and forgot to escape it, and wrote a regex
// that can never match anything useful) — it is skipped and logged rather
// than rejected outright, since classification must keep working for every
// other rule in the list. A pattern that fails to compile is a hard error:
// the caller's configuration is broken and regex compile failures are not
// something this package can recover from itself.
func CompileClassRules(raw []struct {
	Pattern string
	Class   string
}, logger logging.Logger) ([]ClassRule, error) {
	rules := make([]ClassRule, 0, len(raw))
	for _, r := range raw {
		if strings.HasPrefix(r.Pattern, "^+") {
			logger.Warn("skipping class rule: regex starts with \"^+\", which matches nothing and is almost certainly a missing backslash",
				logging.StringField("pattern", r.Pattern), logging.StringField("class", r.Class))
			continue
		}
		compiled, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("class rule %q: %w", r.Pattern, err)
		}
		rules = append(rules, ClassRule{Pattern: compiled, Class: Class(r.Class)})
	}
	return rules, nil
}

// UsersForURLOracle resolves the set of user IDs that currently claim a
// given address-of-record URL.
type UsersForURLOracle interface {
	// UsersForURL returns the owning user IDs, or found=false when the URL
	// is unclaimed by anyone.
	UsersForURL(url string) (userIDs []string, found bool)
}

// CanUseAddress implements can_use_address / can_use_address_detail: the
// caller may assert url iff it appears among url's current owners.
func CanUseAddress(oracle UsersForURLOracle, userID, url string) OwnershipVerdict {
	owners, found := oracle.UsersForURL(url)
	if !found || len(owners) == 0 {
		return OwnershipVerdict{Allowed: false, Reason: ReasonNoMatch}
	}
	for _, owner := range owners {
		if owner == userID {
			return OwnershipVerdict{Allowed: true, Reason: ReasonOK}
		}
	}
	return OwnershipVerdict{Allowed: false, Reason: ReasonEPerm}
}

// ClassifyNumber returns the class of the first rule whose pattern matches
// number, in list order. An absent number or empty rule list always yields
// ClassUnknown.
func ClassifyNumber(number string, rules []ClassRule) Class {
	if number == "" {
		return ClassUnknown
	}
	for _, rule := range rules {
		if rule.Pattern.MatchString(number) {
			return rule.Class
		}
	}
	return ClassUnknown
}

// ClassesForUserOracle resolves the set of destination classes a user is
// permitted to call without further per-call authentication context beyond
// what pstn_call_check_auth already established.
type ClassesForUserOracle interface {
	ClassesForUser(userID string) (classes []Class, found bool)
}

// IsAllowedPSTNDst implements is_allowed_pstn_dst: a request carrying any
// Route header is deferred to unconditionally (the caller is following an
// explicit forwarding path chosen by something upstream of this policy).
// Otherwise the destination class must appear in the caller's allow-list.
func IsAllowedPSTNDst(oracle ClassesForUserOracle, userID string, hasRouteHeader bool, class Class) bool {
	if hasRouteHeader {
		return true
	}
	classes, found := oracle.ClassesForUser(userID)
	if !found {
		return false
	}
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}
