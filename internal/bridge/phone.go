package bridge

import "strings"

const userServerSuffix = "@s.whatsapp.net"

// NormalizeRecipient maps a caller-supplied destination onto a chat address.
// Anything already carrying a server suffix (group or user) passes verbatim;
// everything else is reduced to digits and given the individual-chat suffix.
func NormalizeRecipient(to string) string {
	to = strings.TrimSpace(to)
	if strings.ContainsRune(to, '@') {
		return to
	}

	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + userServerSuffix
}

// PhoneFromIdentity extracts the bare phone number from a session identity
// such as "5511999998888:1" or "5511999998888:1@s.whatsapp.net".
func PhoneFromIdentity(identity string) string {
	identity = strings.TrimSpace(identity)
	if at := strings.IndexRune(identity, '@'); at >= 0 {
		identity = identity[:at]
	}
	if colon := strings.IndexRune(identity, ':'); colon >= 0 {
		identity = identity[:colon]
	}
	return identity
}
