package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobStatusKey names the entry holding a job's serialized terminal state.
// Only completed and failed jobs are cached under it; anything earlier has
// to hit Postgres so reconciliation runs on every poll.
func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func BatchStatusKey(batchID uuid.UUID) string {
	return fmt.Sprintf("batch:%s", batchID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
