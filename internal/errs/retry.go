package errs

import (
	"math/rand"
	"time"
)

// Retry invokes fn, retrying up to maxRetries additional times while it
// keeps returning an error. Each retry sleeps a random jitter in [0, jitter)
// before the next attempt. It returns fn's last error, or nil on success.
func Retry(maxRetries int, jitter time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		if jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(jitter))))
		}
	}
	return err
}
