package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewJobID returns a sortable, unique job id such as
// decompose-20240101T120000-1a2b3c4d.
func NewJobID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%s", prefix, ts, uuid.NewString()[:8])
}
