package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func BreakerFailuresKey(endpoint string, tenantID uuid.UUID) string {
	return fmt.Sprintf("breaker:failures:%s:%s", endpoint, tenantID)
}

func BreakerOpenKey(endpoint string, tenantID uuid.UUID) string {
	return fmt.Sprintf("breaker:open:%s:%s", endpoint, tenantID)
}
