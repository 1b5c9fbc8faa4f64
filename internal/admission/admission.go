// Package admission implements the admission controller (C4): it composes
// the credentials verifier and the address/class policy into the
// high-level verdicts the routing engine acts on. Nothing in this package
// touches the wire format directly — it orchestrates internal/credauth and
// internal/addrpolicy and reports a small number of named outcomes.
package admission

import (
	"time"

	"github.com/sipwerk/proxy/internal/addrpolicy"
	"github.com/sipwerk/proxy/internal/credauth"
	"github.com/sipwerk/proxy/internal/digestauth"
	"github.com/sipwerk/proxy/internal/parser"
)

// RegisterOutcomeKind is the closed result set of can_register.
type RegisterOutcomeKind int

const (
	RegisterDenied RegisterOutcomeKind = iota
	RegisterAllowed
	RegisterStale
	RegisterNoAuth
)

// RegisterOutcome is the result of CanRegister.
type RegisterOutcome struct {
	Kind   RegisterOutcomeKind
	UserID string
	Reason addrpolicy.Reason
}

// CanRegister implements can_register: a successful Authorization verdict
// is checked against the To URL, not the From URL, so that a third party
// may register a contact on someone else's behalf — the registrar itself
// still enforces AOR ownership when it binds the contact.
func CanRegister(verifier *credauth.Verifier, owners addrpolicy.UsersForURLOracle, req *parser.SIPMessage, toURL string) RegisterOutcome {
	verdict, err := verifier.VerifyAuthorization(parser.MethodREGISTER, req)
	if err != nil {
		return RegisterOutcome{Kind: RegisterDenied}
	}

	switch verdict.Kind {
	case credauth.Authenticated:
		ownership := addrpolicy.CanUseAddress(owners, verdict.UserID, toURL)
		if ownership.Allowed {
			return RegisterOutcome{Kind: RegisterAllowed, UserID: verdict.UserID, Reason: ownership.Reason}
		}
		return RegisterOutcome{Kind: RegisterDenied, UserID: verdict.UserID, Reason: ownership.Reason}
	case credauth.Stale:
		return RegisterOutcome{Kind: RegisterStale, UserID: verdict.UserID}
	default:
		return RegisterOutcome{Kind: RegisterNoAuth}
	}
}

// PSTNCheckKind is the closed result set of pstn_call_check_auth.
type PSTNCheckKind int

const (
	PSTNDenied PSTNCheckKind = iota
	PSTNAllowed
	PSTNStale
)

// PSTNCheckResult is the result of PSTNCallCheckAuth.
type PSTNCheckResult struct {
	Kind   PSTNCheckKind
	UserID string
	Class  addrpolicy.Class
}

// NumberRewriter normalizes a dialed number into E.164 form. A rewrite
// failure leaves the number unchanged, per spec: the oracle is a
// best-effort normalization step, not a validation gate.
type NumberRewriter interface {
	RewritePOTNToE164(number string) (string, error)
}

// AddressByValueOracle resolves the (possibly unauthenticated) user who
// owns a From/To address value, used for the unauthenticated-class branch.
type AddressByValueOracle interface {
	GetUserWithAddress(url string) (userID string, found bool)
}

// PSTNCallCheckAuth implements pstn_call_check_auth. classRules is the
// already-compiled, already-filtered class rule list (CompileClassRules
// has run at config-load time); unauthClasses names classes that require
// no caller authentication at all.
func PSTNCallCheckAuth(
	verifier *credauth.Verifier,
	owners addrpolicy.UsersForURLOracle,
	classesForUser addrpolicy.ClassesForUserOracle,
	rewriter NumberRewriter,
	addressOwner AddressByValueOracle,
	classRules []addrpolicy.ClassRule,
	unauthClasses map[addrpolicy.Class]bool,
	method string,
	req *parser.SIPMessage,
	fromURL string,
	toNumberIn string,
	hasRouteHeader bool,
) PSTNCheckResult {
	toNumber := toNumberIn
	if normalized, err := rewriter.RewritePOTNToE164(toNumberIn); err == nil {
		toNumber = normalized
	}

	class := addrpolicy.ClassifyNumber(toNumber, classRules)

	if unauthClasses[class] {
		userID, found := addressOwner.GetUserWithAddress(fromURL)
		if !found {
			return PSTNCheckResult{Kind: PSTNAllowed, Class: class}
		}
		ownership := addrpolicy.CanUseAddress(owners, userID, fromURL)
		if ownership.Allowed {
			return PSTNCheckResult{Kind: PSTNAllowed, UserID: userID, Class: class}
		}
		return PSTNCheckResult{Kind: PSTNDenied, UserID: userID, Class: class}
	}

	verdict, err := verifier.VerifyPSTNComposite(method, req)
	if err != nil {
		return PSTNCheckResult{Kind: PSTNDenied, Class: class}
	}

	switch verdict.Kind {
	case credauth.Stale:
		return PSTNCheckResult{Kind: PSTNStale, UserID: verdict.UserID, Class: class}
	case credauth.PeerAuthenticated:
		if addrpolicy.IsAllowedPSTNDst(classesForUser, verdict.UserID, hasRouteHeader, class) {
			return PSTNCheckResult{Kind: PSTNAllowed, UserID: verdict.UserID, Class: class}
		}
		return PSTNCheckResult{Kind: PSTNDenied, UserID: verdict.UserID, Class: class}
	case credauth.Authenticated:
		ownership := addrpolicy.CanUseAddress(owners, verdict.UserID, fromURL)
		dstAllowed := addrpolicy.IsAllowedPSTNDst(classesForUser, verdict.UserID, hasRouteHeader, class)
		if ownership.Allowed && dstAllowed {
			return PSTNCheckResult{Kind: PSTNAllowed, UserID: verdict.UserID, Class: class}
		}
		return PSTNCheckResult{Kind: PSTNDenied, UserID: verdict.UserID, Class: class}
	default:
		return PSTNCheckResult{Kind: PSTNDenied, Class: class}
	}
}

// AddPeerAuth implements add_peer_auth: it mints a fresh challenge off the
// local clock, computes the response for the outgoing request, and sets
// X-Yxa-Peer-Auth on req. Used when this proxy forwards to a peer that
// also trusts the same peer secret.
func AddPeerAuth(engine *digestauth.Engine, req *parser.SIPMessage, method, uri, user, realm, secret string) {
	challenge := engine.NewChallenge(realm, time.Now().Unix())
	response, ok := digestauth.ComputeResponse(challenge.Nonce, method, uri, user, digestauth.Password(secret), realm)
	if !ok {
		return
	}
	header := digestauth.FormatAuthHeader("Digest", user, realm, uri, response, challenge.Nonce, challenge.Opaque, "md5")
	req.SetHeader(credauth.HeaderPeerAuth, header)
}
