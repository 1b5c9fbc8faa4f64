package routing

import (
	"testing"

	"github.com/sipwerk/proxy/internal/parser"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		raw  string
		want URI
	}{
		{"sip:alice@example.org", URI{Scheme: "sip", User: "alice", Host: "example.org"}},
		{"sip:example.org", URI{Scheme: "sip", Host: "example.org"}},
		{"sip:alice@example.org:5061", URI{Scheme: "sip", User: "alice", Host: "example.org", Port: "5061"}},
		{"<sip:alice@example.org;transport=tcp>", URI{Scheme: "sip", User: "alice", Host: "example.org"}},
		{"sip:alice@example.org?Subject=x", URI{Scheme: "sip", User: "alice", Host: "example.org"}},
	}
	for _, tt := range tests {
		if got := ParseURI(tt.raw); got != tt.want {
			t.Errorf("ParseURI(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func newEngine(oracles Oracles) *Engine {
	return NewEngine(Config{Homedomains: []string{"example.org"}, MaxForwardsDefault: 70}, oracles)
}

func reqWithMaxForwards(value string) *parser.SIPMessage {
	req := parser.NewRequestMessage(parser.MethodOPTIONS, "sip:example.org")
	if value != "" {
		req.SetHeader(parser.HeaderMaxForwards, value)
	}
	return req
}

// TestIsRequestToMe is invariant 9.
func TestIsRequestToMe(t *testing.T) {
	e := newEngine(Oracles{})

	if !e.IsRequestToMe(parser.MethodINVITE, ParseURI("sip:example.org"), "70") {
		t.Errorf("a userless URI must always resolve to me")
	}
	if e.IsRequestToMe(parser.MethodINVITE, ParseURI("sip:alice@example.org"), "70") {
		t.Errorf("a non-OPTIONS request with a user part must not resolve to me")
	}
	if !e.IsRequestToMe(parser.MethodOPTIONS, ParseURI("sip:alice@example.org"), "1") {
		t.Errorf("OPTIONS with Max-Forwards 1 decrements to 0, which must resolve to me")
	}
	if e.IsRequestToMe(parser.MethodOPTIONS, ParseURI("sip:alice@example.org"), "2") {
		t.Errorf("OPTIONS with Max-Forwards 2 decrements to 1, which must not resolve to me")
	}
	if e.IsRequestToMe(parser.MethodOPTIONS, ParseURI("sip:alice@example.org"), "") {
		t.Errorf("absent Max-Forwards should use the default and not resolve to me at 69")
	}
}

func TestIsRequestToMeDefaultMaxForwardsDoesNotTriggerEarly(t *testing.T) {
	e := newEngine(Oracles{})
	if e.IsRequestToMe(parser.MethodOPTIONS, ParseURI("sip:alice@example.org"), "") {
		t.Errorf("default Max-Forwards of 70 decremented once should not resolve to me")
	}
}

type stubUserLookup struct{ result LookupResult }

func (s stubUserLookup) LookupUser(uri URI) LookupResult { return s.result }

type stubHomedomainURL struct{ result LookupResult }

func (s stubHomedomainURL) LookupHomedomainURL(uri URI) LookupResult { return s.result }

type stubPOTN struct{ result LookupResult }

func (s stubPOTN) LookupPOTN(user string) LookupResult { return s.result }

type stubRemoteURL struct{ result LookupResult }

func (s stubRemoteURL) LookupRemoteURL(uri URI) LookupResult { return s.result }

type stubContactOwner struct {
	userID string
	found  bool
}

func (s stubContactOwner) GetUserWithContact(uri URI) (string, bool) { return s.userID, s.found }

type stubDefault struct{ result LookupResult }

func (s stubDefault) LookupDefault(uri URI) LookupResult { return s.result }

func TestResolveDestinationMe(t *testing.T) {
	e := newEngine(Oracles{})
	outcome := e.ResolveDestination(parser.MethodINVITE, ParseURI("sip:example.org"), reqWithMaxForwards("70"))
	if outcome.Kind != OutcomeMe {
		t.Fatalf("outcome = %+v, want Me", outcome)
	}
}

func TestResolveDestinationKnownUser(t *testing.T) {
	e := newEngine(Oracles{LookupUser: stubUserLookup{Found(Proxy("sip:alice@192.0.2.1"))}})
	outcome := e.ResolveDestination(parser.MethodINVITE, ParseURI("sip:alice@example.org"), reqWithMaxForwards("70"))
	if outcome.Kind != OutcomeProxy || outcome.URI != "sip:alice@192.0.2.1" {
		t.Fatalf("outcome = %+v, want Proxy(sip:alice@192.0.2.1)", outcome)
	}
}

func TestResolveDestinationUserKnownNoRegistration(t *testing.T) {
	e := newEngine(Oracles{LookupUser: stubUserLookup{NotAvailable()}})
	outcome := e.ResolveDestination(parser.MethodINVITE, ParseURI("sip:alice@example.org"), reqWithMaxForwards("70"))
	if outcome.Kind != OutcomeResponse || outcome.Code != 480 {
		t.Fatalf("outcome = %+v, want 480 response", outcome)
	}
}

func TestResolveDestinationFallsThroughToPOTN(t *testing.T) {
	e := newEngine(Oracles{
		LookupUser:          stubUserLookup{NoMatch()},
		LookupHomedomainURL: stubHomedomainURL{NotAvailable()},
		LookupPOTN:          stubPOTN{Found(Relay("sip:+15551234@pstn-gw.example.org"))},
	})
	outcome := e.ResolveDestination(parser.MethodINVITE, ParseURI("sip:5551234@example.org"), reqWithMaxForwards("70"))
	if outcome.Kind != OutcomeRelay {
		t.Fatalf("outcome = %+v, want Relay via POTN fallback", outcome)
	}
}

func TestResolveDestinationHomedomainRecursionBounded(t *testing.T) {
	e := newEngine(Oracles{
		LookupUser:          stubUserLookup{NoMatch()},
		LookupHomedomainURL: stubHomedomainURL{Found(Proxy("sip:bob@example.org"))},
		LookupPOTN:          stubPOTN{NotAvailable()},
		LookupDefault:       stubDefault{NotAvailable()},
	})
	// LookupUser always reports NoMatch, so a homedomain-url redirection back
	// into the same resolver must only be followed once before giving up.
	outcome := e.ResolveDestination(parser.MethodINVITE, ParseURI("sip:alice@example.org"), reqWithMaxForwards("70"))
	if outcome.Kind != OutcomeNone {
		t.Fatalf("outcome = %+v, want None after exhausting the recursion budget", outcome)
	}
}

func TestResolveDestinationRemoteKnownContact(t *testing.T) {
	e := newEngine(Oracles{
		LookupRemoteURL:    stubRemoteURL{NotAvailable()},
		GetUserWithContact: stubContactOwner{userID: "alice", found: true},
	})
	outcome := e.ResolveDestination(parser.MethodINVITE, ParseURI("sip:alice@203.0.113.1"), reqWithMaxForwards("70"))
	if outcome.Kind != OutcomeProxy {
		t.Fatalf("outcome = %+v, want Proxy for a known registered contact", outcome)
	}
}

func TestResolveDestinationRemoteUnknownContactRelays(t *testing.T) {
	e := newEngine(Oracles{
		LookupRemoteURL:    stubRemoteURL{NotAvailable()},
		GetUserWithContact: stubContactOwner{found: false},
	})
	outcome := e.ResolveDestination(parser.MethodINVITE, ParseURI("sip:alice@203.0.113.1"), reqWithMaxForwards("70"))
	if outcome.Kind != OutcomeRelay {
		t.Fatalf("outcome = %+v, want Relay for an unknown contact", outcome)
	}
}

func TestPrepareForwardPrependsRoute(t *testing.T) {
	req := parser.NewRequestMessage(parser.MethodINVITE, "sip:alice@example.org")
	req.AddHeader(parser.HeaderRoute, "<sip:existing-hop;lr=true>")

	PrepareForward(req, "203.0.113.5", 5060)

	routes := req.GetHeaders(parser.HeaderRoute)
	if len(routes) != 2 {
		t.Fatalf("routes = %v, want 2 entries", routes)
	}
	if routes[0] != "<sip:203.0.113.5:5060;lr=true>" {
		t.Fatalf("routes[0] = %q, want the new forwarding hop first", routes[0])
	}
	if routes[1] != "<sip:existing-hop;lr=true>" {
		t.Fatalf("routes[1] = %q, want the original Route preserved", routes[1])
	}
}

func TestRequiresFreshProxyAuthForRelay(t *testing.T) {
	if RequiresFreshProxyAuthForRelay(parser.MethodCANCEL) {
		t.Errorf("CANCEL must relay unauthenticated")
	}
	if RequiresFreshProxyAuthForRelay(parser.MethodBYE) {
		t.Errorf("BYE must relay unauthenticated")
	}
	if !RequiresFreshProxyAuthForRelay(parser.MethodINVITE) {
		t.Errorf("INVITE must require fresh Proxy-Authorization to relay")
	}
}

func TestOutcomeForRequestToMe(t *testing.T) {
	if o := OutcomeForRequestToMe(parser.MethodOPTIONS); o.Code != parser.StatusOK {
		t.Fatalf("OPTIONS to me = %+v, want 200", o)
	}
	if o := OutcomeForRequestToMe(parser.MethodINVITE); o.Code != parser.StatusCallTransactionDoesNotExist {
		t.Fatalf("INVITE to me = %+v, want 481", o)
	}
}
