package outbox

import "time"

// Backoff возвращает экспоненциальную задержку перед попыткой retryCount.
// При базе 2s задержки составляют 2, 4, 8, 16, 32 секунды,
// но не больше max.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
