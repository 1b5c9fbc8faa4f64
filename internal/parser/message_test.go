package parser

import (
	"net"
	"testing"
)

func TestNewSIPMessageStartsEmpty(t *testing.T) {
	msg := NewSIPMessage()
	if msg == nil {
		t.Fatal("NewSIPMessage() returned nil")
	}
	if msg.Headers == nil {
		t.Fatal("Headers map should be initialized")
	}
	if len(msg.Headers) != 0 {
		t.Errorf("expected zero headers on a fresh message, got %d", len(msg.Headers))
	}
	if msg.StartLine != nil {
		t.Error("a fresh message should carry no start line")
	}
}

func TestNewRequestMessage(t *testing.T) {
	msg := NewRequestMessage(MethodPUBLISH, "sip:alice@example.com")
	if !msg.IsRequest() || msg.IsResponse() {
		t.Fatal("constructed message should report as a request")
	}
	if msg.GetMethod() != MethodPUBLISH {
		t.Errorf("GetMethod() = %q, want %q", msg.GetMethod(), MethodPUBLISH)
	}
	if msg.GetRequestURI() != "sip:alice@example.com" {
		t.Errorf("GetRequestURI() = %q, want sip:alice@example.com", msg.GetRequestURI())
	}
	reqLine, ok := msg.StartLine.(*RequestLine)
	if !ok {
		t.Fatal("StartLine should be a *RequestLine")
	}
	if reqLine.Version != SIPVersion {
		t.Errorf("request line version = %q, want %q", reqLine.Version, SIPVersion)
	}
	if got, want := reqLine.String(), "PUBLISH sip:alice@example.com SIP/2.0"; got != want {
		t.Errorf("RequestLine.String() = %q, want %q", got, want)
	}
}

func TestNewResponseMessage(t *testing.T) {
	msg := NewResponseMessage(StatusIntervalTooBrief, "Interval Too Brief")
	if !msg.IsResponse() || msg.IsRequest() {
		t.Fatal("constructed message should report as a response")
	}
	if msg.GetStatusCode() != StatusIntervalTooBrief {
		t.Errorf("GetStatusCode() = %d, want %d", msg.GetStatusCode(), StatusIntervalTooBrief)
	}
	if msg.GetReasonPhrase() != "Interval Too Brief" {
		t.Errorf("GetReasonPhrase() = %q, want %q", msg.GetReasonPhrase(), "Interval Too Brief")
	}
	statusLine, ok := msg.StartLine.(*StatusLine)
	if !ok {
		t.Fatal("StartLine should be a *StatusLine")
	}
	if got, want := statusLine.String(), "SIP/2.0 423 Interval Too Brief"; got != want {
		t.Errorf("StatusLine.String() = %q, want %q", got, want)
	}
	if statusLine.IsRequest() {
		t.Error("a status line must never report IsRequest() true")
	}
}

func TestSIPMessageHeaderLifecycle(t *testing.T) {
	msg := NewSIPMessage()

	msg.AddHeader(HeaderVia, "SIP/2.0/UDP host1:5060")
	msg.AddHeader(HeaderVia, "SIP/2.0/TCP host2:5060")
	msg.AddHeader(HeaderCallID, "abc123")

	if got := msg.GetHeader(HeaderCallID); got != "abc123" {
		t.Errorf("GetHeader(Call-ID) = %q, want abc123", got)
	}
	if vias := msg.GetHeaders(HeaderVia); len(vias) != 2 {
		t.Fatalf("expected 2 Via values, got %d", len(vias))
	} else if vias[0] != "SIP/2.0/UDP host1:5060" || vias[1] != "SIP/2.0/TCP host2:5060" {
		t.Errorf("Via values in wrong order or corrupted: %v", vias)
	}
	if !msg.HasHeader(HeaderVia) {
		t.Error("HasHeader(Via) should be true after AddHeader")
	}
	if msg.HasHeader(HeaderContact) {
		t.Error("HasHeader(Contact) should be false before any Contact is added")
	}

	msg.SetHeader(HeaderVia, "SIP/2.0/UDP replaced:5060")
	if vias := msg.GetHeaders(HeaderVia); len(vias) != 1 || vias[0] != "SIP/2.0/UDP replaced:5060" {
		t.Errorf("SetHeader should collapse to a single replacement value, got %v", vias)
	}

	msg.RemoveHeader(HeaderCallID)
	if msg.HasHeader(HeaderCallID) {
		t.Error("RemoveHeader(Call-ID) should remove the header entirely")
	}
}

func TestSIPMessageCloneIsIndependent(t *testing.T) {
	original := NewRequestMessage(MethodINVITE, "sip:bob@example.com")
	original.AddHeader(HeaderFrom, "sip:alice@example.com")
	original.Body = []byte("payload")
	original.Transport = "TCP"

	clone := original.Clone()

	if clone == original {
		t.Fatal("Clone must allocate a new message")
	}
	if clone.StartLine == original.StartLine {
		t.Error("Clone must allocate a new start line")
	}
	if clone.GetMethod() != original.GetMethod() || clone.GetRequestURI() != original.GetRequestURI() {
		t.Error("cloned start line fields should match the original")
	}
	if clone.GetHeader(HeaderFrom) != original.GetHeader(HeaderFrom) {
		t.Error("cloned headers should match the original at clone time")
	}
	if string(clone.Body) != string(original.Body) {
		t.Error("cloned body should match the original at clone time")
	}
	if clone.Transport != original.Transport {
		t.Error("Transport should carry over into the clone")
	}

	clone.SetHeader(HeaderFrom, "sip:mallory@example.com")
	clone.Body[0] = 'X'
	if original.GetHeader(HeaderFrom) == "sip:mallory@example.com" {
		t.Error("mutating the clone's headers must not affect the original")
	}
	if original.Body[0] == 'X' {
		t.Error("mutating the clone's body must not affect the original")
	}
}

func TestGetReasonPhraseForCode(t *testing.T) {
	cases := map[int]string{
		StatusTrying:              "Trying",
		StatusOK:                  "OK",
		StatusIntervalTooBrief:    "Interval Too Brief",
		StatusUnauthorized:        "Unauthorized",
		StatusProxyAuthenticationRequired: "Proxy Authentication Required",
		StatusServerInternalError: "Server Internal Error",
		999:                       "Unknown Status Code 999",
	}
	for code, want := range cases {
		if got := GetReasonPhraseForCode(code); got != want {
			t.Errorf("GetReasonPhraseForCode(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestIsValidMethod(t *testing.T) {
	for _, m := range []string{
		MethodINVITE, MethodACK, MethodBYE, MethodCANCEL, MethodREGISTER, MethodOPTIONS,
		MethodINFO, MethodPRACK, MethodUPDATE, MethodSUBSCRIBE, MethodNOTIFY, MethodREFER,
		MethodMESSAGE, MethodPUBLISH,
	} {
		if !IsValidMethod(m) {
			t.Errorf("IsValidMethod(%q) = false, want true", m)
		}
	}
	for _, m := range []string{"", "publish", "FETCH", "INVITE "} {
		if IsValidMethod(m) {
			t.Errorf("IsValidMethod(%q) = true, want false", m)
		}
	}
}

func TestIsValidStatusCode(t *testing.T) {
	for _, c := range []int{100, 200, 423, 606, 699} {
		if !IsValidStatusCode(c) {
			t.Errorf("IsValidStatusCode(%d) = false, want true", c)
		}
	}
	for _, c := range []int{0, 99, 700, -1} {
		if IsValidStatusCode(c) {
			t.Errorf("IsValidStatusCode(%d) = true, want false", c)
		}
	}
}

func TestPresenceHeaderConstants(t *testing.T) {
	// These names are what RFC3903 requires on the wire; the presence
	// package imports these rather than defining its own copies.
	if HeaderSIPIfMatch != "SIP-If-Match" {
		t.Errorf("HeaderSIPIfMatch = %q, want SIP-If-Match", HeaderSIPIfMatch)
	}
	if HeaderSIPETag != "SIP-ETag" {
		t.Errorf("HeaderSIPETag = %q, want SIP-ETag", HeaderSIPETag)
	}
	if HeaderMinExpires != "Min-Expires" {
		t.Errorf("HeaderMinExpires = %q, want Min-Expires", HeaderMinExpires)
	}
}

func TestBaseContentType(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"application/pidf+xml", "application/pidf+xml"},
		{"application/pidf+xml;charset=UTF-8", "application/pidf+xml"},
		{" application/sdp ; version=0", "application/sdp"},
		{"text/plain;", "text/plain"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := BaseContentType(tc.in); got != tc.want {
			t.Errorf("BaseContentType(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHeaderStringJoinsValuesWithoutSpaces(t *testing.T) {
	h := &Header{Name: HeaderContact, Values: []string{"<sip:a@h>", "<sip:b@h>"}}
	if got, want := h.String(), "Contact: <sip:a@h>,<sip:b@h>"; got != want {
		t.Errorf("Header.String() = %q, want %q", got, want)
	}
}

func TestSIPMessageNetAddrFields(t *testing.T) {
	msg := NewSIPMessage()
	src, err := net.ResolveUDPAddr("udp", "10.0.0.1:5060")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	dst, err := net.ResolveUDPAddr("udp", "10.0.0.2:5060")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	msg.Source, msg.Destination, msg.Transport = src, dst, "UDP"

	if msg.Source != src || msg.Destination != dst || msg.Transport != "UDP" {
		t.Error("transport-facing fields should round-trip unchanged")
	}
}

func TestEmptyAndMissingHeaderLookups(t *testing.T) {
	msg := NewSIPMessage()
	if msg.GetHeader("X-Does-Not-Exist") != "" {
		t.Error("GetHeader on a missing header should return the empty string")
	}
	if msg.GetHeaders("X-Does-Not-Exist") != nil {
		t.Error("GetHeaders on a missing header should return nil")
	}
}

func TestAccessorsOnMismatchedStartLine(t *testing.T) {
	resp := NewResponseMessage(StatusOK, "OK")
	if resp.GetMethod() != "" || resp.GetRequestURI() != "" {
		t.Error("request-only accessors must return zero values on a response")
	}

	req := NewRequestMessage(MethodINVITE, "sip:x@example.com")
	if req.GetStatusCode() != 0 || req.GetReasonPhrase() != "" {
		t.Error("response-only accessors must return zero values on a request")
	}
}
