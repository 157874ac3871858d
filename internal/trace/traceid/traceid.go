// Package traceid generates decision trace identifiers.
//
// Format: DEC_<UTC date>_<microseconds since epoch, zero padded>_<entropy>.
// The date component gives operators a human-readable shard key; the padded
// microsecond component makes ids from one process sort lexicographically in
// creation order; the random suffix makes collisions under concurrent
// generation a non-event without any shared counter. Collisions are
// impossible by design, not detected defensively.
package traceid

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a fresh identifier stamped with the given creation time.
func New(now time.Time) string {
	now = now.UTC()
	entropy := uuid.New()
	return fmt.Sprintf("DEC_%s_%016d_%s",
		now.Format("20060102"),
		now.UnixMicro(),
		hex.EncodeToString(entropy[:4]),
	)
}
