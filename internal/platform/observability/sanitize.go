package observability

import "unicode"

const maxLogFieldRunes = 256

// sanitizeString strips control characters and caps length so request
// metadata cannot inject newlines or oversized values into log output.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = maxLogFieldRunes
	}

	kept := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		kept = append(kept, r)
		if len(kept) == limit {
			break
		}
	}
	return string(kept)
}

// SanitizeRoute cleans the matched route pattern before it is logged or
// attached to a span.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod cleans the HTTP method value.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID caps identifiers to limit what ends up in logs.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return sanitizeString(uid, 64)
}
