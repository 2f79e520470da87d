package cache

import "fmt"

func KeepaliveKey(jobToken string) string {
	return fmt.Sprintf("job:keepalive:%s", jobToken)
}

func ProgressKey(jobToken string) string {
	return fmt.Sprintf("job:progress:%s", jobToken)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
