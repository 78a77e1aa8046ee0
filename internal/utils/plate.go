package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate strips separators and whitespace and upper-cases the plate so
// that "abc-123", "ABC 123" and "ABC123" share a key.
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range strings.TrimSpace(plate) {
		switch {
		case r == '-' || r == '.' || r == '_' || r == '/' || r == '·':
			continue
		case unicode.IsSpace(r):
			continue
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// LotFromTopic returns the lot code carried in the second segment of a device
// topic such as "parking/0001/camera". The leading slash is optional.
func LotFromTopic(topic string) (string, bool) {
	parts := strings.Split(strings.TrimPrefix(topic, "/"), "/")
	if len(parts) < 3 {
		return "", false
	}
	lot := strings.TrimSpace(parts[1])
	if lot == "" {
		return "", false
	}
	return lot, true
}

// TopicKind returns the last topic segment, e.g. "camera" or "LED".
func TopicKind(topic string) string {
	topic = strings.TrimSuffix(topic, "/")
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
