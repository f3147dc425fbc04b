package etl

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// normalizeIdentifier canonicalizes a handle identifier: emails are
// lowercased, phone numbers are stripped to digits with a leading "+"
// preserved, so the same person matches across formatting variants
// like "+1 (555) 999-0000" and "15559990000".
func normalizeIdentifier(id string) string {
	if id == "" {
		return ""
	}
	if strings.Contains(id, "@") {
		return strings.ToLower(id)
	}
	return normalizePhone(id)
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return phone
	}
	return digits
}

// isGroupChat reports whether a chat.db chat identifier names a group
// conversation. Group chats get synthetic "chat..." identifiers from
// Messages; direct conversations use the peer's handle.
func isGroupChat(identifier string) bool {
	return strings.HasPrefix(identifier, "chat") || strings.Contains(identifier, ";")
}

// cleanAssociatedGUID strips the part-index prefix Messages puts on
// associated message GUIDs ("p:0/GUID", "bp:GUID").
func cleanAssociatedGUID(guid string) string {
	if guid == "" {
		return ""
	}
	if i := strings.Index(guid, "/"); i >= 0 && strings.HasPrefix(guid, "p:") {
		return guid[i+1:]
	}
	return strings.TrimPrefix(guid, "bp:")
}

// decodeAttributedBody recovers the text of a message whose text
// column is NULL. Newer macOS versions store the body only as an
// archived NSAttributedString; the plain string payload sits after the
// "NSString" class marker as a length-prefixed run.
func decodeAttributedBody(body []byte) string {
	const marker = "NSString"

	idx := bytes.Index(body, []byte(marker))
	if idx < 0 {
		return ""
	}

	// Skip the marker plus the 5-byte attribute preamble that follows
	// it in the typedstream encoding.
	start := idx + len(marker) + 5
	if start >= len(body) {
		return ""
	}

	var length int
	switch body[start] {
	case 0x81:
		// Two-byte little-endian length for longer strings.
		if start+3 > len(body) {
			return ""
		}
		length = int(binary.LittleEndian.Uint16(body[start+1 : start+3]))
		start += 3
	default:
		length = int(body[start])
		start++
	}

	if start+length > len(body) {
		return ""
	}
	return string(body[start : start+length])
}
