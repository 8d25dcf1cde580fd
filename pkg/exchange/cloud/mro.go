package cloud

import "strings"

// The behavior MRO crosses the wire as a single comma-joined string in the
// /mailbox body.

func joinMRO(mro []string) string { return strings.Join(mro, ",") }

func splitMRO(joined string) []string {
	parts := strings.Split(joined, ",")
	mro := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			mro = append(mro, trimmed)
		}
	}
	return mro
}
