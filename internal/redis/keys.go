package redis

import "fmt"

const keyPrefix = "realtime:"

// Key: realtime:user:location:{userId}
func userLocationKey(userID string) string {
	return fmt.Sprintf("%suser:location:%s", keyPrefix, userID)
}

// Key: realtime:profile:{userId}
func profileKey(userID string) string {
	return fmt.Sprintf("%sprofile:%s", keyPrefix, userID)
}

// Key: realtime:notify:claim:{notificationId}
func notificationClaimKey(notificationID string) string {
	return fmt.Sprintf("%snotify:claim:%s", keyPrefix, notificationID)
}

// DeadLetterKey is the list holding exhausted notification deliveries.
const DeadLetterKey = keyPrefix + "notify:deadletter"

// RateLimitPrefix namespaces the shared rate windows.
const RateLimitPrefix = keyPrefix + "rl"
