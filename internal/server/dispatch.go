package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sipwerk/proxy/internal/addrpolicy"
	"github.com/sipwerk/proxy/internal/admission"
	"github.com/sipwerk/proxy/internal/credauth"
	"github.com/sipwerk/proxy/internal/logging"
	"github.com/sipwerk/proxy/internal/parser"
	"github.com/sipwerk/proxy/internal/presence"
	"github.com/sipwerk/proxy/internal/registrar"
	"github.com/sipwerk/proxy/internal/routing"
)

// HandleMessage implements transport.MessageHandler: it parses one inbound
// datagram or framed TCP message, dispatches it to the handler for its
// method, and sends back whatever response (if any) results.
func (s *SIPServerImpl) HandleMessage(data []byte, transportName string, addr net.Addr) error {
	msg, err := s.messageParser.Parse(data)
	if err != nil {
		s.logger.Debug("failed to parse inbound message", logging.ErrorField(err))
		return nil
	}
	if msg.IsResponse() {
		// Responses to requests this proxy forwarded belong to the
		// timer-driven transaction state machine, which lives outside
		// this repository's scope.
		return nil
	}

	txn := s.transactionManager.CreateTransaction(msg)
	resp, fwd := s.handleRequest(msg)
	if fwd != nil {
		return s.forwardRequest(msg, fwd)
	}
	if resp == nil {
		return nil
	}
	txn.SendResponse(resp)

	out, err := s.messageParser.Serialize(resp)
	if err != nil {
		s.logger.Error("failed to serialize response", logging.ErrorField(err))
		return err
	}
	return s.transportManager.SendMessage(out, transportName, addr)
}

// forwardTarget names where a stateless Proxy/Relay/Forward outcome sends
// the (already rewritten) request on to next, bypassing any response this
// proxy would otherwise build.
type forwardTarget struct {
	host string
	port int
}

// forwardTargetFromURI derives a forward target from a request URI,
// defaulting to the standard SIP port when the URI carries none. This is
// direct host[:port] resolution, not the RFC 3263 DNS SRV/NAPTR procedure
// this proxy's Non-goals exclude.
func forwardTargetFromURI(uri string) *forwardTarget {
	u := routing.ParseURI(uri)
	port := 5060
	if u.Port != "" {
		if p, err := strconv.Atoi(u.Port); err == nil {
			port = p
		}
	}
	return &forwardTarget{host: u.Host, port: port}
}

// forwardRequest serializes req (already rewritten in place by
// respondToOutcome/relayToPSTN) and sends it on to fwd. The transport is
// left unspecified so the transport manager picks UDP or TCP per RFC 3261
// MTU guidance, matching how this proxy receives messages in the first
// place.
func (s *SIPServerImpl) forwardRequest(req *parser.SIPMessage, fwd *forwardTarget) error {
	out, err := s.messageParser.Serialize(req)
	if err != nil {
		s.logger.Error("failed to serialize forwarded request", logging.ErrorField(err))
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", fwd.host, fwd.port))
	if err != nil {
		s.logger.Error("failed to resolve forward target", logging.ErrorField(err))
		return err
	}
	return s.transportManager.SendMessage(out, "", addr)
}

func (s *SIPServerImpl) handleRequest(req *parser.SIPMessage) (*parser.SIPMessage, *forwardTarget) {
	switch req.GetMethod() {
	case parser.MethodREGISTER:
		return s.handleRegister(req), nil
	case parser.MethodPUBLISH:
		return s.handlePublish(req), nil
	case parser.MethodNOTIFY:
		return s.handleNotify(req), nil
	case parser.MethodSUBSCRIBE:
		return s.handleSubscribe(req), nil
	case parser.MethodACK:
		// Forwarded statelessly; this core keeps no dialog state to act
		// on for ACK.
		return nil, nil
	default:
		return s.handleGeneral(req)
	}
}

// --- REGISTER (C4 can_register) ---

func (s *SIPServerImpl) handleRegister(req *parser.SIPMessage) *parser.SIPMessage {
	toURL := canonicalAddressURI(req.GetHeader(parser.HeaderTo))
	toURI := routing.ParseURI(toURL)

	if !s.routingEngine.IsHomedomain(toURI.Host) {
		return s.handleGeneral(req)
	}

	req.RemoveHeader(parser.HeaderRecordRoute)

	outcome := admission.CanRegister(s.verifier, s.directory, req, toURL)
	switch outcome.Kind {
	case admission.RegisterAllowed:
		s.bindContacts(req, toURL)
		return s.registerOKResponse(req)
	case admission.RegisterStale:
		return s.challengeResponse(req, parser.HeaderWWWAuthenticate, true)
	case admission.RegisterDenied:
		if outcome.Reason == addrpolicy.ReasonEPerm {
			return errorResponse(req, parser.StatusForbidden, "Forbidden")
		}
		return errorResponse(req, parser.StatusNotFound, "Not Found")
	default:
		return s.challengeResponse(req, parser.HeaderWWWAuthenticate, false)
	}
}

const defaultRegistrationExpires = 3600

// bindContacts applies every Contact header on a successfully authenticated
// REGISTER to the registrar, including the Contact: * deregister-all case.
func (s *SIPServerImpl) bindContacts(req *parser.SIPMessage, aor string) {
	topLevelExpires := defaultRegistrationExpires
	if raw := req.GetHeader(parser.HeaderExpires); raw != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			topLevelExpires = n
		}
	}

	cseq := cseqNumber(req.GetHeader(parser.HeaderCSeq))
	callID := req.GetHeader(parser.HeaderCallID)

	for _, raw := range req.GetHeaders(parser.HeaderContact) {
		contactURI, expires, wildcard := parseContactValue(raw, topLevelExpires)
		if wildcard {
			s.registrar.UnregisterAll(s.ctx, aor)
			continue
		}
		if contactURI == "" {
			continue
		}
		s.registrar.Register(s.ctx, registrar.Contact{
			AOR:       aor,
			URI:       contactURI,
			CallID:    callID,
			CSeq:      cseq,
			ExpiresAt: time.Now().Add(time.Duration(expires) * time.Second),
		})
	}
}

func (s *SIPServerImpl) registerOKResponse(req *parser.SIPMessage) *parser.SIPMessage {
	resp := parser.NewResponseMessage(parser.StatusOK, "OK")
	copyDialogHeaders(req, resp)
	contacts, _ := s.registrar.FindContacts(s.ctx, canonicalAddressURI(req.GetHeader(parser.HeaderTo)))
	for _, c := range contacts {
		resp.AddHeader(parser.HeaderContact, "<"+c.URI+">")
	}
	resp.SetHeader(parser.HeaderContentLength, "0")
	return resp
}

// --- generic / PSTN path (C4 pstn_call_check_auth + C5 routing) ---

func (s *SIPServerImpl) handleGeneral(req *parser.SIPMessage) (*parser.SIPMessage, *forwardTarget) {
	method := req.GetMethod()
	requestURI := routing.ParseURI(req.GetRequestURI())
	fromURL := canonicalAddressURI(req.GetHeader(parser.HeaderFrom))
	fromURI := routing.ParseURI(fromURL)

	if method == parser.MethodCANCEL {
		return s.resolveAndRespond(req, method, requestURI)
	}

	if s.routingEngine.IsHomedomain(fromURI.Host) && s.config.Routing.AlwaysVerifyHomedomainUser {
		verdict, err := s.verifier.VerifyProxyAuthorization(method, req)
		if err != nil {
			return errorResponse(req, parser.StatusBadRequest, "Bad Request"), nil
		}
		switch verdict.Kind {
		case credauth.Authenticated:
			ownership := addrpolicy.CanUseAddress(s.directory, verdict.UserID, fromURL)
			if !ownership.Allowed {
				return errorResponse(req, parser.StatusForbidden, "Forbidden"), nil
			}
		case credauth.Stale:
			return s.challengeResponse(req, parser.HeaderProxyAuthenticate, true), nil
		default:
			return s.challengeResponse(req, parser.HeaderProxyAuthenticate, false), nil
		}
	}

	return s.resolveAndRespond(req, method, requestURI)
}

func (s *SIPServerImpl) resolveAndRespond(req *parser.SIPMessage, method string, uri routing.URI) (*parser.SIPMessage, *forwardTarget) {
	outcome := s.routingEngine.ResolveDestination(method, uri, req)
	return s.respondToOutcome(req, method, outcome)
}

func (s *SIPServerImpl) respondToOutcome(req *parser.SIPMessage, method string, outcome routing.Outcome) (*parser.SIPMessage, *forwardTarget) {
	switch outcome.Kind {
	case routing.OutcomeMe:
		final := routing.OutcomeForRequestToMe(method)
		return s.respondToOutcome(req, method, final)
	case routing.OutcomeResponse:
		return errorResponse(req, outcome.Code, outcome.Reason), nil
	case routing.OutcomeError:
		return errorResponse(req, outcome.Code, parser.GetReasonPhraseForCode(outcome.Code)), nil
	case routing.OutcomeNone:
		return errorResponse(req, parser.StatusNotFound, "Not Found"), nil
	case routing.OutcomeRedirect:
		resp := parser.NewResponseMessage(parser.StatusMovedTemporarily, "Moved Temporarily")
		copyDialogHeaders(req, resp)
		resp.AddHeader(parser.HeaderContact, "<"+outcome.URI+">")
		resp.SetHeader(parser.HeaderContentLength, "0")
		return resp, nil
	case routing.OutcomeProxy:
		s.routingEngine.AddRecordRoute(req)
		req.StartLine = &parser.RequestLine{Method: method, RequestURI: outcome.URI, Version: parser.SIPVersion}
		return nil, forwardTargetFromURI(outcome.URI)
	case routing.OutcomeRelay:
		return s.relayToPSTN(req, method, outcome)
	case routing.OutcomeForward:
		s.routingEngine.AddRecordRoute(req)
		routing.PrepareForward(req, outcome.Host, outcome.Port)
		return nil, &forwardTarget{host: outcome.Host, port: outcome.Port}
	default:
		return errorResponse(req, parser.StatusServerInternalError, "Server Internal Error"), nil
	}
}

// relayToPSTN implements the Relay leg of C5 together with C4's
// pstn_call_check_auth: every relay target is numeric/PSTN-shaped, so it
// always passes through the admission controller's PSTN composite check
// before the request is actually forwarded.
func (s *SIPServerImpl) relayToPSTN(req *parser.SIPMessage, method string, outcome routing.Outcome) (*parser.SIPMessage, *forwardTarget) {
	if !routing.RequiresFreshProxyAuthForRelay(method) {
		req.StartLine = &parser.RequestLine{Method: method, RequestURI: outcome.URI, Version: parser.SIPVersion}
		return nil, forwardTargetFromURI(outcome.URI)
	}

	fromURL := canonicalAddressURI(req.GetHeader(parser.HeaderFrom))
	toNumber := routing.ParseURI(req.GetRequestURI()).User
	_, hasRoute := req.Headers[parser.HeaderRoute]

	result := admission.PSTNCallCheckAuth(
		s.verifier, s.directory, s.directory, s.directory, s.directory,
		s.classRules, s.unauthClasses,
		method, req, fromURL, toNumber, hasRoute,
	)

	switch result.Kind {
	case admission.PSTNAllowed:
		s.routingEngine.AddRecordRoute(req)
		req.StartLine = &parser.RequestLine{Method: method, RequestURI: outcome.URI, Version: parser.SIPVersion}
		return nil, forwardTargetFromURI(outcome.URI)
	case admission.PSTNStale:
		return s.challengeResponse(req, parser.HeaderProxyAuthenticate, true), nil
	default:
		return errorResponse(req, parser.StatusForbidden, "Forbidden"), nil
	}
}

// --- presence (C6) ---

func (s *SIPServerImpl) handlePublish(req *parser.SIPMessage) *parser.SIPMessage {
	verdict, err := s.verifier.VerifyAuthorization(parser.MethodPUBLISH, req)
	if err != nil {
		return errorResponse(req, parser.StatusBadRequest, "Bad Request")
	}
	switch verdict.Kind {
	case credauth.Authenticated:
		return s.publishHandler.HandlePublish(s.ctx, req, verdict.UserID)
	case credauth.Stale:
		return s.challengeResponse(req, parser.HeaderWWWAuthenticate, true)
	default:
		return s.challengeResponse(req, parser.HeaderWWWAuthenticate, false)
	}
}

func (s *SIPServerImpl) handleNotify(req *parser.SIPMessage) *parser.SIPMessage {
	toURI := routing.ParseURI(canonicalAddressURI(req.GetHeader(parser.HeaderTo)))
	return s.publishHandler.HandleNotify(s.ctx, req, toURI.User)
}

func (s *SIPServerImpl) handleSubscribe(req *parser.SIPMessage) *parser.SIPMessage {
	toURI := routing.ParseURI(canonicalAddressURI(req.GetHeader(parser.HeaderTo)))

	authenticated := false
	if verdict, err := s.verifier.VerifyAuthorization(parser.MethodSUBSCRIBE, req); err == nil && verdict.Kind == credauth.Authenticated {
		authenticated = true
	}

	presentity := presence.PresentityUser
	if _, found := s.directory.UsersForURL(toURI.String()); found {
		presentity = presence.PresentityAddress
	}

	kind, status := presence.EvaluateSubscribeAdmission(authenticated, presentity, req.GetHeader(parser.HeaderAccept), s.presenceStore.Supported("subscriber"))
	if kind == presence.SubscribeNeedAuth {
		return s.challengeResponse(req, parser.HeaderWWWAuthenticate, false)
	}
	if kind != presence.SubscribeActive && kind != presence.SubscribePending {
		return errorResponse(req, status, parser.GetReasonPhraseForCode(status))
	}

	resp := parser.NewResponseMessage(status, parser.GetReasonPhraseForCode(status))
	copyDialogHeaders(req, resp)
	resp.SetHeader(parser.HeaderExpires, req.GetHeader(parser.HeaderExpires))
	resp.SetHeader(parser.HeaderContentLength, "0")
	return resp
}

// --- response helpers ---

func (s *SIPServerImpl) challengeResponse(req *parser.SIPMessage, headerName string, stale bool) *parser.SIPMessage {
	challenge := s.digestEngine.NewChallenge(s.config.Auth.Realm, time.Now().Unix())
	resp := parser.NewResponseMessage(parser.StatusUnauthorized, "Unauthorized")
	if headerName == parser.HeaderProxyAuthenticate {
		resp = parser.NewResponseMessage(parser.StatusProxyAuthenticationRequired, "Proxy Authentication Required")
	}
	copyDialogHeaders(req, resp)
	value := "Digest realm=\"" + challenge.Realm + "\", nonce=\"" + challenge.Nonce + "\", opaque=\"" + challenge.Opaque + "\", algorithm=MD5"
	if stale {
		value += ", stale=true"
	}
	resp.SetHeader(headerName, value)
	resp.SetHeader(parser.HeaderContentLength, "0")
	return resp
}

func errorResponse(req *parser.SIPMessage, code int, reason string) *parser.SIPMessage {
	resp := parser.NewResponseMessage(code, reason)
	copyDialogHeaders(req, resp)
	resp.SetHeader(parser.HeaderContentLength, "0")
	return resp
}

func copyDialogHeaders(req, resp *parser.SIPMessage) {
	for _, via := range req.GetHeaders(parser.HeaderVia) {
		resp.AddHeader(parser.HeaderVia, via)
	}
	resp.SetHeader(parser.HeaderFrom, req.GetHeader(parser.HeaderFrom))
	resp.SetHeader(parser.HeaderTo, req.GetHeader(parser.HeaderTo))
	resp.SetHeader(parser.HeaderCallID, req.GetHeader(parser.HeaderCallID))
	resp.SetHeader(parser.HeaderCSeq, req.GetHeader(parser.HeaderCSeq))
}

// --- header parsing helpers ---

// canonicalAddressURI extracts and normalizes the URI out of a From/To
// header value, discarding any display name, tag, or URI parameters.
func canonicalAddressURI(headerValue string) string {
	raw := extractAngleBracketOrBareURI(headerValue)
	return routing.ParseURI(raw).String()
}

func extractAngleBracketOrBareURI(headerValue string) string {
	headerValue = strings.TrimSpace(headerValue)
	if start := strings.Index(headerValue, "<"); start >= 0 {
		if end := strings.Index(headerValue[start:], ">"); end >= 0 {
			return headerValue[start+1 : start+end]
		}
	}
	if idx := strings.Index(headerValue, ";"); idx >= 0 {
		return strings.TrimSpace(headerValue[:idx])
	}
	return headerValue
}

// parseContactValue extracts a Contact header's URI and effective expires
// value. "*" (wildcard deregistration) is reported separately.
func parseContactValue(raw string, defaultExpires int) (uri string, expires int, wildcard bool) {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		return "", 0, true
	}

	uriPart := raw
	paramsPart := ""
	if start := strings.Index(raw, "<"); start >= 0 {
		if end := strings.Index(raw[start:], ">"); end >= 0 {
			uriPart = raw[start+1 : start+end]
			paramsPart = raw[start+end+1:]
		}
	} else if idx := strings.Index(raw, ";"); idx >= 0 {
		uriPart = raw[:idx]
		paramsPart = raw[idx:]
	}

	expires = defaultExpires
	for _, p := range strings.Split(paramsPart, ";") {
		p = strings.TrimSpace(p)
		if n, ok := strings.CutPrefix(strings.ToLower(p), "expires="); ok {
			if v, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				expires = v
			}
		}
	}

	return strings.TrimSpace(uriPart), expires, false
}

// cseqNumber extracts the sequence number out of a "<seq> <method>" CSeq
// header value.
func cseqNumber(cseq string) uint32 {
	fields := strings.Fields(cseq)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
