// Package presence implements the presence event processor (C6): the
// PUBLISH/NOTIFY state machine, SUBSCRIBE admission, and PIDF synthesis
// RFC3856/3903 define. Authentication is resolved by the caller before any
// function here runs; this package only sees an already-authenticated user
// ID (or, for SUBSCRIBE admission, the fact that authentication failed).
package presence

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sipwerk/proxy/internal/parser"
)

// Presence-specific headers RFC3903 defines now live in the parser package
// alongside every other header name this proxy parses and serializes;
// these names stay so the rest of this package reads the same as before.
const (
	HeaderSIPIfMatch = parser.HeaderSIPIfMatch
	HeaderSIPETag    = parser.HeaderSIPETag
	HeaderMinExpires = parser.HeaderMinExpires
)

// Bounds is the configured [min, max, default] publish-expires policy.
type Bounds struct {
	Min     int
	Max     int
	Default int
}

// ResolveExpires implements the Expires validation step shared by PUBLISH
// and NOTIFY: an absent header takes the configured default; an explicit
// value under the minimum (but above zero) is reported as too brief rather
// than silently clamped; anything else is clamped to the maximum.
func ResolveExpires(raw string, bounds Bounds) (seconds int, tooBrief bool) {
	if raw == "" {
		return bounds.Default, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return bounds.Default, false
	}
	if n > 0 && n < bounds.Min {
		return bounds.Min, true
	}
	if n > bounds.Max {
		return bounds.Max, false
	}
	return n, false
}

// StoreResult is the closed set of outcomes the PIDF store reports for a
// create-path write.
type StoreResult int

const (
	StoreOK StoreResult = iota
	StoreUnsupportedContentType
	StoreUnknownContentType
	StoreBadXML
)

// PIDFStore is the shared mutable presence document store. Set/Refresh
// calls for the same (user, etag) pair must be serialized by the caller or
// the implementation; this package issues exactly the read-modify-write
// pairs the state machine below needs and no more.
type PIDFStore interface {
	Set(ctx context.Context, user, etag string, expiresAt time.Time, contentType string, body []byte) StoreResult
	Refresh(ctx context.Context, user, etagOld string, expiresAt time.Time, etagNew string) error
	Exists(ctx context.Context, user, etag string) bool
	GetXML(ctx context.Context, user string, acceptTypes []string) (body []byte, contentType string, found bool)
	Supported(role string) []string
}

// PublishHandler runs the PUBLISH and NOTIFY state machines against one
// PIDFStore and one expires policy.
type PublishHandler struct {
	Store  PIDFStore
	ETags  *ETagGenerator
	Bounds Bounds
	Clock  func() time.Time
}

// NewPublishHandler creates a handler bound to a store, ETag generator, and
// expires policy.
func NewPublishHandler(store PIDFStore, etags *ETagGenerator, bounds Bounds) *PublishHandler {
	return &PublishHandler{Store: store, ETags: etags, Bounds: bounds, Clock: time.Now}
}

// HandlePublish implements the full PUBLISH state machine for an
// already-authenticated user and returns the response to send.
func (h *PublishHandler) HandlePublish(ctx context.Context, req *parser.SIPMessage, user string) *parser.SIPMessage {
	ifMatch := req.GetHeaders(HeaderSIPIfMatch)
	if len(ifMatch) > 1 {
		return errorResponse(req, parser.StatusBadRequest, "Multiple SIP-If-Match headers")
	}

	seconds, tooBrief := ResolveExpires(req.GetHeader(parser.HeaderExpires), h.Bounds)
	if tooBrief {
		resp := errorResponse(req, parser.StatusIntervalTooBrief, "Interval Too Brief")
		resp.SetHeader(HeaderMinExpires, strconv.Itoa(h.Bounds.Min))
		return resp
	}

	if len(ifMatch) == 1 {
		return h.handleRefresh(ctx, req, user, ifMatch[0], seconds)
	}
	return h.handleCreate(ctx, req, user, seconds)
}

func (h *PublishHandler) handleRefresh(ctx context.Context, req *parser.SIPMessage, user, etag string, seconds int) *parser.SIPMessage {
	if len(req.Body) > 0 {
		return errorResponse(req, parser.StatusBadRequest, "SIP-If-Match refresh must carry an empty body")
	}
	if !h.Store.Exists(ctx, user, etag) {
		return errorResponse(req, 412, "Conditional Request Failed")
	}

	newETag := h.ETags.Mint()
	expiresAt := h.Clock().Add(time.Duration(seconds) * time.Second)
	if err := h.Store.Refresh(ctx, user, etag, expiresAt, newETag); err != nil {
		return errorResponse(req, parser.StatusServerInternalError, "Internal Server Error")
	}

	resp := successResponse(req)
	resp.SetHeader(HeaderSIPETag, newETag)
	resp.SetHeader(parser.HeaderExpires, strconv.Itoa(seconds))
	return resp
}

func (h *PublishHandler) handleCreate(ctx context.Context, req *parser.SIPMessage, user string, seconds int) *parser.SIPMessage {
	contentTypes := req.GetHeaders(parser.HeaderContentType)
	if len(contentTypes) != 1 {
		return unsupportedMediaResponse(req, h.Store.Supported("publish"))
	}

	etag := h.ETags.Mint()
	expiresAt := h.Clock().Add(time.Duration(seconds) * time.Second)
	result := h.Store.Set(ctx, user, etag, expiresAt, contentTypes[0], req.Body)

	switch result {
	case StoreOK:
		resp := successResponse(req)
		resp.SetHeader(HeaderSIPETag, etag)
		resp.SetHeader(parser.HeaderExpires, strconv.Itoa(seconds))
		return resp
	case StoreUnsupportedContentType, StoreUnknownContentType:
		return unsupportedMediaResponse(req, h.Store.Supported("publish"))
	case StoreBadXML:
		resp := errorResponse(req, parser.StatusBadRequest, "Bad Request")
		resp.SetHeader(parser.HeaderAccept, strings.Join(h.Store.Supported("publish"), ", "))
		return resp
	default:
		return errorResponse(req, parser.StatusServerInternalError, "Internal Server Error")
	}
}

// HandleNotify treats an inbound NOTIFY as a fresh publication for the
// presentity it targets, applying the same Expires policy and storage
// contract as the PUBLISH create path. There is no ETag lifecycle on the
// inbound side of NOTIFY, only on PUBLISH.
func (h *PublishHandler) HandleNotify(ctx context.Context, req *parser.SIPMessage, user string) *parser.SIPMessage {
	seconds, tooBrief := ResolveExpires(req.GetHeader(parser.HeaderExpires), h.Bounds)
	if tooBrief {
		resp := errorResponse(req, parser.StatusIntervalTooBrief, "Interval Too Brief")
		resp.SetHeader(HeaderMinExpires, strconv.Itoa(h.Bounds.Min))
		return resp
	}

	contentTypes := req.GetHeaders(parser.HeaderContentType)
	if len(contentTypes) != 1 {
		return unsupportedMediaResponse(req, h.Store.Supported("publish"))
	}

	etag := h.ETags.Mint()
	expiresAt := h.Clock().Add(time.Duration(seconds) * time.Second)
	result := h.Store.Set(ctx, user, etag, expiresAt, contentTypes[0], req.Body)

	switch result {
	case StoreOK:
		return successResponse(req)
	case StoreUnsupportedContentType, StoreUnknownContentType:
		return unsupportedMediaResponse(req, h.Store.Supported("publish"))
	case StoreBadXML:
		resp := errorResponse(req, parser.StatusBadRequest, "Bad Request")
		resp.SetHeader(parser.HeaderAccept, strings.Join(h.Store.Supported("publish"), ", "))
		return resp
	default:
		return errorResponse(req, parser.StatusServerInternalError, "Internal Server Error")
	}
}

// HandleUnknownMethod answers any event-package method this processor does
// not recognize.
func HandleUnknownMethod(req *parser.SIPMessage) *parser.SIPMessage {
	return errorResponse(req, parser.StatusNotImplemented, "Not Implemented")
}

func unsupportedMediaResponse(req *parser.SIPMessage, supported []string) *parser.SIPMessage {
	resp := errorResponse(req, parser.StatusUnsupportedMediaType, "Unsupported Media Type")
	resp.SetHeader(parser.HeaderAccept, strings.Join(supported, ", "))
	return resp
}

func successResponse(req *parser.SIPMessage) *parser.SIPMessage {
	resp := parser.NewResponseMessage(parser.StatusOK, "OK")
	copyDialogHeaders(req, resp)
	return resp
}

func errorResponse(req *parser.SIPMessage, code int, reason string) *parser.SIPMessage {
	resp := parser.NewResponseMessage(code, reason)
	copyDialogHeaders(req, resp)
	return resp
}

func copyDialogHeaders(req, resp *parser.SIPMessage) {
	for _, via := range req.GetHeaders(parser.HeaderVia) {
		resp.AddHeader(parser.HeaderVia, via)
	}
	if from := req.GetHeader(parser.HeaderFrom); from != "" {
		resp.SetHeader(parser.HeaderFrom, from)
	}
	if to := req.GetHeader(parser.HeaderTo); to != "" {
		resp.SetHeader(parser.HeaderTo, to)
	}
	if callID := req.GetHeader(parser.HeaderCallID); callID != "" {
		resp.SetHeader(parser.HeaderCallID, callID)
	}
	if cseq := req.GetHeader(parser.HeaderCSeq); cseq != "" {
		resp.SetHeader(parser.HeaderCSeq, cseq)
	}
	resp.SetHeader(parser.HeaderContentLength, "0")
}
