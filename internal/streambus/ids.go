package streambus

import (
	"fmt"
	"time"
)

// formatID builds a "<prefix>-<epochMillis>-<counter:04x>" identifier, the
// same shape the task domain uses for its queued task ids.
func formatID(prefix string, now time.Time, counter uint64) string {
	return fmt.Sprintf("%s-%d-%04x", prefix, now.UnixMilli(), counter)
}

// formatCursor builds a "<epochMillis>-<sequence>" stream cursor.
func formatCursor(now time.Time, sequence uint64) string {
	return fmt.Sprintf("%d-%d", now.UnixMilli(), sequence)
}
