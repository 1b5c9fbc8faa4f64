// Package credauth implements the credentials verifier (C2): it decodes an
// Authorization-style header, applies the digest arithmetic in
// internal/digestauth, and returns one of a small closed set of verdicts.
// The only suspension point here is the password oracle — everything else
// is a pure function of (method, credentials, now).
package credauth

import (
	"regexp"
	"strings"
	"time"

	"github.com/sipwerk/proxy/internal/digestauth"
	"github.com/sipwerk/proxy/internal/logging"
	"github.com/sipwerk/proxy/internal/parser"
)

// HeaderPeerAuth is the private trust header cooperating proxies use to
// authenticate each other, outside RFC3261.
const HeaderPeerAuth = "X-Yxa-Peer-Auth"

// VerdictKind is the tagged result of a verification attempt.
type VerdictKind int

const (
	// Rejected covers: no header, wrong response, wrong nonce, unknown
	// user, or a future-dated timestamp.
	Rejected VerdictKind = iota
	// Authenticated means the credentials are arithmetically valid and
	// fresh.
	Authenticated
	// Stale means the credentials are arithmetically valid but the
	// embedded timestamp is older than the freshness window.
	Stale
	// PeerAuthenticated means authentication succeeded via the peer-proxy
	// shared-secret channel rather than a user password.
	PeerAuthenticated
)

func (k VerdictKind) String() string {
	switch k {
	case Authenticated:
		return "Authenticated"
	case Stale:
		return "Stale"
	case PeerAuthenticated:
		return "PeerAuthenticated"
	default:
		return "Rejected"
	}
}

// Verdict is the result of a verification attempt. UserID is meaningful for
// every kind except Rejected.
type Verdict struct {
	Kind   VerdictKind
	UserID string
}

// MalformedAuthError is the one fatal parse error this package raises: a
// credentials header present without an opaque value, or a GSSAPI scheme
// (unimplemented, rejected at scheme detection rather than partially
// parsed). Every other failure mode is reported as a Verdict, never an
// error.
type MalformedAuthError struct {
	Code    int
	Message string
}

func (e *MalformedAuthError) Error() string { return e.Message }

// Credentials is a decoded Authorization-style header.
type Credentials struct {
	Username string
	Realm    string
	URI      string
	Response string
	Nonce    string
	Opaque   string
}

var credentialFieldPattern = regexp.MustCompile(`(\w+)=(?:"([^"]*)"|([^,\s]+))`)

// rejectDuplicateSchemeRealm rejects a request carrying more than one
// Authorization-style header of the same scheme/realm: a UA retrying a
// challenge should replace its header, never append a second one. Headers
// with distinct scheme/realm pairs (e.g. a proxy offering Digest and a
// future scheme side by side) are unaffected.
func rejectDuplicateSchemeRealm(values []string) error {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		scheme, creds, _ := ParseHeader(v)
		key := strings.ToLower(scheme) + "|" + strings.ToLower(creds.Realm)
		if seen[key] {
			return &MalformedAuthError{Code: parser.StatusBadRequest, Message: "multiple Authorization headers with the same scheme and realm"}
		}
		seen[key] = true
	}
	return nil
}

// ParseHeader splits an Authorization-style header value into its scheme
// token and its field map. cnonce/nc/qop are accepted but ignored — this
// package implements qop-less MD5 digest only. ok is false only when the
// header has no recognizable "scheme token..." shape at all.
func ParseHeader(value string) (scheme string, creds Credentials, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", Credentials{}, false
	}

	parts := strings.SplitN(value, " ", 2)
	scheme = parts[0]
	if len(parts) < 2 {
		return scheme, Credentials{}, true
	}

	for _, m := range credentialFieldPattern.FindAllStringSubmatch(parts[1], -1) {
		key := strings.ToLower(m[1])
		val := m[2]
		if val == "" {
			val = m[3]
		}
		switch key {
		case "username":
			creds.Username = val
		case "realm":
			creds.Realm = val
		case "uri":
			creds.URI = val
		case "response":
			creds.Response = val
		case "nonce":
			creds.Nonce = val
		case "opaque":
			creds.Opaque = val
		}
	}

	return scheme, creds, true
}

// PasswordOracle resolves a canonical user ID to a password, or
// digestauth.PasswordNotFound when the user is unknown.
type PasswordOracle interface {
	LookupPassword(userID string) digestauth.Password
}

// Canonifier maps the username a UA sent to the canonical user ID this
// proxy tracks state under. Returning ok=false keeps the original username.
type Canonifier interface {
	Canonify(uaUsername string, req *parser.SIPMessage) (userID string, ok bool)
}

// Config holds the process-wide immutable values the verifier needs.
type Config struct {
	Realm                  string
	PeerAuthSecret         string
	FreshnessWindowSeconds int
}

// Verifier implements the common verification kernel shared by the
// Authorization, Proxy-Authorization, and X-Yxa-Peer-Auth entry points.
type Verifier struct {
	engine    *digestauth.Engine
	cfg       Config
	canon     Canonifier
	passwords PasswordOracle
	logger    logging.Logger

	// Clock is overridable so tests can pin "now" exactly for deterministic
	// freshness-window scenarios; it defaults to time.Now.
	Clock func() time.Time
}

// NewVerifier creates a Verifier bound to one digest engine and configuration.
func NewVerifier(engine *digestauth.Engine, cfg Config, canon Canonifier, passwords PasswordOracle, logger logging.Logger) *Verifier {
	return &Verifier{
		engine:    engine,
		cfg:       cfg,
		canon:     canon,
		passwords: passwords,
		logger:    logger,
		Clock:     time.Now,
	}
}

// VerifyAuthorization verifies the Authorization header against the
// process-wide realm and the canonicalized user's password.
func (v *Verifier) VerifyAuthorization(method string, req *parser.SIPMessage) (Verdict, error) {
	return v.verifyUserHeader(method, req, parser.HeaderAuthorization)
}

// VerifyProxyAuthorization verifies the Proxy-Authorization header. It
// shares every rule with VerifyAuthorization; only the header name differs.
func (v *Verifier) VerifyProxyAuthorization(method string, req *parser.SIPMessage) (Verdict, error) {
	return v.verifyUserHeader(method, req, parser.HeaderProxyAuthorization)
}

func (v *Verifier) verifyUserHeader(method string, req *parser.SIPMessage, headerName string) (Verdict, error) {
	values := req.GetHeaders(headerName)
	if len(values) == 0 {
		return Verdict{Kind: Rejected}, nil
	}
	if len(values) > 1 {
		if err := rejectDuplicateSchemeRealm(values); err != nil {
			return Verdict{Kind: Rejected}, err
		}
	}
	raw := values[0]

	scheme, creds, parsed := ParseHeader(raw)
	if strings.EqualFold(scheme, "GSSAPI") {
		return Verdict{Kind: Rejected}, &MalformedAuthError{Code: parser.StatusBadRequest, Message: "GSSAPI authentication is not implemented"}
	}
	if !parsed || creds.Opaque == "" {
		return Verdict{Kind: Rejected}, &MalformedAuthError{Code: parser.StatusBadRequest, Message: "Authorization should contain opaque"}
	}

	userID := creds.Username
	if canonID, ok := v.canon.Canonify(creds.Username, req); ok {
		userID = canonID
	}

	password := v.passwords.LookupPassword(userID)
	return v.verifyCommon(method, creds, password, v.cfg.Realm, userID)
}

// VerifyPeerAuth verifies the X-Yxa-Peer-Auth header using the configured
// peer secret as the password and the realm carried in the header itself
// (peers are not members of this proxy's homedomain realm).
func (v *Verifier) VerifyPeerAuth(method string, req *parser.SIPMessage) (Verdict, error) {
	raw := req.GetHeader(HeaderPeerAuth)
	if raw == "" {
		return Verdict{Kind: Rejected}, nil
	}
	if v.cfg.PeerAuthSecret == "" {
		v.logger.Debug("peer-auth header present but no peer secret configured", logging.MethodField(method))
		return Verdict{Kind: Rejected}, nil
	}

	scheme, creds, parsed := ParseHeader(raw)
	if strings.EqualFold(scheme, "GSSAPI") {
		return Verdict{Kind: Rejected}, &MalformedAuthError{Code: parser.StatusBadRequest, Message: "GSSAPI authentication is not implemented"}
	}
	if !parsed || creds.Opaque == "" {
		return Verdict{Kind: Rejected}, &MalformedAuthError{Code: parser.StatusBadRequest, Message: "Authorization should contain opaque"}
	}

	password := digestauth.Password(v.cfg.PeerAuthSecret)
	return v.verifyCommon(method, creds, password, creds.Realm, creds.Username)
}

// PeerAuthHeaderPresent reports whether the request carries an
// X-Yxa-Peer-Auth header at all, independent of whether it would verify.
// The PSTN composite flow uses this to decide whether to fall through to
// Proxy-Authorization: only absence falls through, a present-but-invalid
// header does not.
func (v *Verifier) PeerAuthHeaderPresent(req *parser.SIPMessage) bool {
	return req.GetHeader(HeaderPeerAuth) != ""
}

// VerifyPSTNComposite tries peer-auth first; if the peer header is absent
// it falls through to Proxy-Authorization. A present-but-invalid peer
// header is reported as Rejected without any fallback — a deliberate
// tightening over letting any non-success fall through, see DESIGN.md.
func (v *Verifier) VerifyPSTNComposite(method string, req *parser.SIPMessage) (Verdict, error) {
	if !v.PeerAuthHeaderPresent(req) {
		return v.VerifyProxyAuthorization(method, req)
	}

	verdict, err := v.VerifyPeerAuth(method, req)
	if err != nil {
		return verdict, err
	}
	if verdict.Kind == Authenticated {
		return Verdict{Kind: PeerAuthenticated, UserID: verdict.UserID}, nil
	}
	return verdict, nil
}

func (v *Verifier) verifyCommon(method string, creds Credentials, password digestauth.Password, realm, userID string) (Verdict, error) {
	nonceExpected := v.engine.MakeNonce(creds.Opaque)
	responseExpected, ok := digestauth.ComputeResponse(nonceExpected, method, creds.URI, creds.Username, password, realm)
	if !ok {
		v.logger.Info("rejecting auth for unknown user", logging.UserField(userID), logging.MethodField(method))
		return Verdict{Kind: Rejected}, nil
	}
	if creds.Response != responseExpected {
		return Verdict{Kind: Rejected}, nil
	}
	if creds.Nonce != nonceExpected {
		return Verdict{Kind: Rejected}, nil
	}

	timestamp, ok := digestauth.DecodeOpaque(creds.Opaque)
	if !ok {
		return Verdict{Kind: Rejected}, nil
	}

	now := v.Clock().Unix()
	if timestamp < now-int64(v.cfg.FreshnessWindowSeconds) {
		v.logger.Info("rejecting stale auth", logging.UserField(userID), logging.MethodField(method),
			logging.AgeField("nonce_age", time.Unix(timestamp, 0)))
		return Verdict{Kind: Stale, UserID: userID}, nil
	}
	if timestamp > now {
		return Verdict{Kind: Rejected}, nil
	}

	return Verdict{Kind: Authenticated, UserID: userID}, nil
}
