// Package routing implements the routing decision engine (C5): given an
// already-admitted request, it decides what this proxy does with it next.
// The decision is always one value from a closed outcome set — there is no
// partial or multi-step result.
package routing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sipwerk/proxy/internal/parser"
)

// OutcomeKind is the closed set of routing decisions.
type OutcomeKind int

const (
	OutcomeNone OutcomeKind = iota
	OutcomeMe
	OutcomeProxy
	OutcomeRelay
	OutcomeRedirect
	OutcomeForward
	OutcomeResponse
	OutcomeError
)

// Outcome is the result of a routing decision. Only the fields relevant to
// Kind are meaningful.
type Outcome struct {
	Kind   OutcomeKind
	URI    string
	Host   string
	Port   int
	Code   int
	Reason string
}

func Me() Outcome                       { return Outcome{Kind: OutcomeMe} }
func Proxy(uri string) Outcome          { return Outcome{Kind: OutcomeProxy, URI: uri} }
func Relay(uri string) Outcome          { return Outcome{Kind: OutcomeRelay, URI: uri} }
func Redirect(uri string) Outcome       { return Outcome{Kind: OutcomeRedirect, URI: uri} }
func Forward(host string, port int) Outcome {
	return Outcome{Kind: OutcomeForward, Host: host, Port: port}
}
func Response(code int, reason string) Outcome { return Outcome{Kind: OutcomeResponse, Code: code, Reason: reason} }
func Error(code int) Outcome                   { return Outcome{Kind: OutcomeError, Code: code} }
func None() Outcome                            { return Outcome{Kind: OutcomeNone} }

// LookupKind is the three-way result shape every destination oracle
// returns: a concrete outcome, "the target is known but unreachable right
// now", or "this oracle has nothing to say about this target".
type LookupKind int

const (
	LookupNoMatch LookupKind = iota
	LookupNone
	LookupFound
)

// LookupResult wraps one oracle call's answer.
type LookupResult struct {
	Kind    LookupKind
	Outcome Outcome
}

func Found(o Outcome) LookupResult { return LookupResult{Kind: LookupFound, Outcome: o} }
func NotAvailable() LookupResult   { return LookupResult{Kind: LookupNone} }
func NoMatch() LookupResult        { return LookupResult{Kind: LookupNoMatch} }

// UserLookupOracle resolves a homedomain user's current registration.
type UserLookupOracle interface {
	LookupUser(uri URI) LookupResult
}

// HomedomainURLOracle resolves a homedomain URI that did not match a known
// user directly, e.g. via an alias table.
type HomedomainURLOracle interface {
	LookupHomedomainURL(uri URI) LookupResult
}

// POTNOracle interprets a username as a plain-old-telephone-number/E.164
// destination, the last resort for a homedomain URI with a numeric user.
type POTNOracle interface {
	LookupPOTN(user string) LookupResult
}

// RemoteURLOracle resolves a URI whose host is not one of ours.
type RemoteURLOracle interface {
	LookupRemoteURL(uri URI) LookupResult
}

// ContactOwnerOracle reports which user, if any, is currently registered at
// a given contact URI.
type ContactOwnerOracle interface {
	GetUserWithContact(uri URI) (userID string, found bool)
}

// DefaultOracle is consulted when every other lookup reported no match.
type DefaultOracle interface {
	LookupDefault(uri URI) LookupResult
}

// Oracles bundles every external collaborator the destination resolver
// calls into.
type Oracles struct {
	LookupUser          UserLookupOracle
	LookupHomedomainURL HomedomainURLOracle
	LookupPOTN          POTNOracle
	LookupRemoteURL     RemoteURLOracle
	GetUserWithContact  ContactOwnerOracle
	LookupDefault       DefaultOracle
}

// Config holds the process-wide routing configuration.
type Config struct {
	Homedomains        []string
	MaxForwardsDefault int
	// RecordRoute, together with SelfHost, governs whether AddRecordRoute
	// inserts this proxy into the signaling path of requests it proxies or
	// relays, so later in-dialog requests (BYE, re-INVITE) route back
	// through it instead of going endpoint-to-endpoint.
	RecordRoute bool
	SelfHost    string
	SelfPort    int
}

// Engine resolves one request at a time into a routing Outcome. It holds
// no per-request state between calls.
type Engine struct {
	cfg     Config
	oracles Oracles
}

// NewEngine creates a routing engine bound to one configuration and oracle
// set.
func NewEngine(cfg Config, oracles Oracles) *Engine {
	return &Engine{cfg: cfg, oracles: oracles}
}

// IsHomedomain reports whether host is one of this proxy's configured
// homedomains, case-insensitively.
func (e *Engine) IsHomedomain(host string) bool {
	for _, d := range e.cfg.Homedomains {
		if strings.EqualFold(d, host) {
			return true
		}
	}
	return false
}

// decrementedMaxForwards parses the Max-Forwards header (or the configured
// default when absent), caps it at 255, and decrements by one the way a
// proxy hop always does before forwarding.
func decrementedMaxForwards(header string, defaultVal int) int {
	val := defaultVal
	if header != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
			val = n
		}
	}
	if val > 255 {
		val = 255
	}
	return val - 1
}

// IsRequestToMe implements is_request_to_me / invariant 9: true when the
// request URI has no user part, or when the method is OPTIONS and the
// decremented Max-Forwards has reached zero.
func (e *Engine) IsRequestToMe(method string, uri URI, maxForwardsHeader string) bool {
	if !uri.HasUser() {
		return true
	}
	if method == parser.MethodOPTIONS {
		if decrementedMaxForwards(maxForwardsHeader, e.cfg.MaxForwardsDefault) < 1 {
			return true
		}
	}
	return false
}

// recursionBudget bounds how many times ResolveDestination may follow a
// lookup_homedomain_url redirection before giving up — breaking any lookup
// loop a misconfigured alias table could otherwise create.
const recursionBudget = 1

// ResolveDestination implements the non-REGISTER destination resolution
// algorithm. It assumes authentication has already passed; method and uri
// drive is_request_to_me, and req supplies the Max-Forwards header.
func (e *Engine) ResolveDestination(method string, uri URI, req *parser.SIPMessage) Outcome {
	return e.resolveDestination(method, uri, req, recursionBudget)
}

func (e *Engine) resolveDestination(method string, uri URI, req *parser.SIPMessage, budget int) Outcome {
	maxForwards := req.GetHeader(parser.HeaderMaxForwards)

	if e.IsHomedomain(uri.Host) {
		if e.IsRequestToMe(method, uri, maxForwards) {
			return Me()
		}

		result := e.oracles.LookupUser.LookupUser(uri)
		switch result.Kind {
		case LookupFound:
			return result.Outcome
		case LookupNone:
			return Response(parser.StatusTemporarilyUnavailable, "Users location currently unknown")
		case LookupNoMatch:
			if budget > 0 {
				if hd := e.oracles.LookupHomedomainURL.LookupHomedomainURL(uri); hd.Kind == LookupFound {
					if hd.Outcome.Kind == OutcomeProxy {
						return e.resolveDestination(method, ParseURI(hd.Outcome.URI), req, budget-1)
					}
					return hd.Outcome
				}
			}
			if potn := e.oracles.LookupPOTN.LookupPOTN(uri.User); potn.Kind == LookupFound {
				return potn.Outcome
			}
		}
	} else {
		result := e.oracles.LookupRemoteURL.LookupRemoteURL(uri)
		if result.Kind == LookupFound {
			return result.Outcome
		}
		if _, found := e.oracles.GetUserWithContact.GetUserWithContact(uri); found {
			return Proxy(uri.String())
		}
		return Relay(uri.String())
	}

	if def := e.oracles.LookupDefault.LookupDefault(uri); def.Kind == LookupFound {
		return def.Outcome
	}
	return None()
}

// PrepareForward builds the Route header a Forward outcome requires: a
// loose-routing hop pointed at host:port, pushed in front of any existing
// Route headers, leaving the original request URI untouched.
func PrepareForward(req *parser.SIPMessage, host string, port int) {
	routeValue := fmt.Sprintf("<sip:%s:%d;lr=true>", host, port)
	existing := req.GetHeaders(parser.HeaderRoute)
	req.RemoveHeader(parser.HeaderRoute)
	req.AddHeader(parser.HeaderRoute, routeValue)
	for _, r := range existing {
		req.AddHeader(parser.HeaderRoute, r)
	}
}

// AddRecordRoute inserts this proxy's own loose-routing URI in front of any
// existing Record-Route headers on req, so it stays on the signaling path
// for the lifetime of the dialog this request establishes. It is a no-op
// unless record_route is configured and a homedomain is available to
// advertise as this proxy's own address.
func (e *Engine) AddRecordRoute(req *parser.SIPMessage) {
	if !e.cfg.RecordRoute || e.cfg.SelfHost == "" {
		return
	}
	routeValue := fmt.Sprintf("<sip:%s:%d;lr=true>", e.cfg.SelfHost, e.cfg.SelfPort)
	existing := req.GetHeaders(parser.HeaderRecordRoute)
	req.RemoveHeader(parser.HeaderRecordRoute)
	req.AddHeader(parser.HeaderRecordRoute, routeValue)
	for _, r := range existing {
		req.AddHeader(parser.HeaderRecordRoute, r)
	}
}

// RequiresFreshProxyAuthForRelay reports whether a Relay outcome for this
// method needs a fresh Proxy-Authorization check before proxying. CANCEL
// and BYE relay unauthenticated because they target an existing dialog
// this proxy has no state for.
func RequiresFreshProxyAuthForRelay(method string) bool {
	return method != parser.MethodCANCEL && method != parser.MethodBYE
}

// OutcomeForRequestToMe implements the "request resolved to me" leaf:
// OPTIONS gets 200 OK (this proxy answers OPTIONS directly); every other
// method gets 481, since this proxy keeps no dialog state to match it
// against.
func OutcomeForRequestToMe(method string) Outcome {
	if method == parser.MethodOPTIONS {
		return Response(parser.StatusOK, "OK")
	}
	return Response(parser.StatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist")
}
