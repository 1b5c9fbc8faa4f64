package routing

import "strings"

// URI is a minimal decomposition of a SIP URI into the parts the routing
// engine needs to make decisions. It is not a general-purpose SIP URI
// parser: parameters and headers are discarded, matching how far this
// package ever needs to look.
type URI struct {
	Scheme string
	User   string
	Host   string
	Port   string
}

// HasUser reports whether the URI carries a user part at all ("sip:host"
// has none; "sip:alice@host" does).
func (u URI) HasUser() bool {
	return u.User != ""
}

// String reassembles the URI into its canonical "scheme:[user@]host[:port]"
// form. Parameters and headers stripped during ParseURI are not restored.
func (u URI) String() string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString(":")
	}
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteString("@")
	}
	b.WriteString(u.Host)
	if u.Port != "" {
		b.WriteString(":")
		b.WriteString(u.Port)
	}
	return b.String()
}

// ParseURI splits a SIP/SIPS URI string into scheme, user, host, and port,
// stopping at the first ";" (parameters) or "?" (headers).
func ParseURI(raw string) URI {
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "<>")

	var u URI
	schemeEnd := strings.Index(raw, ":")
	if schemeEnd < 0 {
		u.Host = raw
		return u
	}
	u.Scheme = raw[:schemeEnd]
	rest := raw[schemeEnd+1:]

	if end := strings.IndexAny(rest, ";?"); end >= 0 {
		rest = rest[:end]
	}

	if at := strings.LastIndex(rest, "@"); at >= 0 {
		u.User = rest[:at]
		rest = rest[at+1:]
	}

	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		u.Host = rest[:colon]
		u.Port = rest[colon+1:]
	} else {
		u.Host = rest
	}

	return u
}
