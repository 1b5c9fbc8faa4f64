package presence

import (
	"context"
	"strings"

	"github.com/sipwerk/proxy/internal/parser"
)

// PresentityKind distinguishes a subscription to a single known user (whose
// presence this agent tracks precisely) from a subscription to a bare
// address, which this agent cannot resolve to a specific user and so can
// only acknowledge provisionally.
type PresentityKind int

const (
	PresentityUser PresentityKind = iota
	PresentityAddress
)

// AdmissionKind is the closed set of SUBSCRIBE admission outcomes.
type AdmissionKind int

const (
	SubscribeNeedAuth AdmissionKind = iota
	SubscribeActive
	SubscribePending
	SubscribeNotAcceptable
)

// EvaluateSubscribeAdmission implements the SUBSCRIBE admission decision: an
// unauthenticated request always needs auth; an Accept header incompatible
// with every content type this agent can produce is rejected outright;
// otherwise a single-user presentity is admitted active (this agent can
// serve real presence for it immediately) and an address-form presentity is
// admitted pending (subject to whatever out-of-band resolution happens
// next).
func EvaluateSubscribeAdmission(authenticated bool, presentity PresentityKind, acceptHeader string, supported []string) (AdmissionKind, int) {
	if !authenticated {
		return SubscribeNeedAuth, 401
	}
	if acceptHeader != "" && !acceptCompatible(acceptHeader, supported) {
		return SubscribeNotAcceptable, 406
	}
	if presentity == PresentityAddress {
		return SubscribePending, 202
	}
	return SubscribeActive, 200
}

func acceptCompatible(acceptHeader string, supported []string) bool {
	for _, want := range strings.Split(acceptHeader, ",") {
		want = parser.BaseContentType(want)
		for _, have := range supported {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// NotifyBody builds the body a NOTIFY for one presentity should carry. A
// multi-user presentity (e.g. a shared address with more than one
// registered owner) gets no body at all, since there is no single presence
// document that truthfully describes it. An address-form presentity that
// has no real published document gets a synthesized closed/offline
// document rather than silence. A single-user presentity with no current
// publication also falls back to the synthesized document.
func NotifyBody(ctx context.Context, store PIDFStore, entity, user string, presentity PresentityKind, multiUser bool) (body []byte, contentType string, hasBody bool) {
	if multiUser {
		return nil, "", false
	}
	if presentity == PresentityUser {
		if body, ctype, found := store.GetXML(ctx, user, store.Supported("subscribe")); found {
			return body, ctype, true
		}
	}
	return FakeOfflinePIDF(entity), ContentTypePIDF, true
}
