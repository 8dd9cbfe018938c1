package transport

import (
	"strings"

	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

// JID suffixes for the two conversation shapes.
const (
	SuffixUser  = "@s.whatsapp.net"
	SuffixGroup = "@g.us"
)

// NormalizeJID canonicalizes a destination. Bare numbers lose their
// formatting characters and gain the user suffix; ten-digit locals get the
// default country prefix; already-suffixed ids pass through. Idempotent.
func NormalizeJID(to, defaultCountry string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", errkind.New(errkind.Validation, "empty destination")
	}
	if i := strings.IndexByte(to, '@'); i >= 0 {
		suffix := to[i:]
		if suffix != SuffixUser && suffix != SuffixGroup {
			return "", errkind.Newf(errkind.Validation, "unknown destination domain %q", suffix)
		}
		if i == 0 {
			return "", errkind.New(errkind.Validation, "destination has no id part")
		}
		return to, nil
	}

	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
			continue
		}
		switch r {
		case '+', ' ', '-', '(', ')', '.':
			// formatting only
		default:
			return "", errkind.Newf(errkind.Validation, "invalid destination %q", to)
		}
	}
	num := digits.String()
	if len(num) < 7 || len(num) > 15 {
		return "", errkind.Newf(errkind.Validation, "destination %q has %d digits", to, len(num))
	}
	if len(num) == 10 && defaultCountry != "" {
		num = defaultCountry + num
	}
	return num + SuffixUser, nil
}

// IsGroupJID reports whether a conversation id names a group.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, SuffixGroup)
}

// PhoneFromJID extracts the bare number from a user jid. Group jids and
// participant suffixes (":12") are handled.
func PhoneFromJID(jid string) string {
	id, _, ok := strings.Cut(jid, "@")
	if !ok {
		id = jid
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	return id
}
