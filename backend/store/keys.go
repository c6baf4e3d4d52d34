package store

import "fmt"

// Key namespaces. Format: focushive:{namespace}:{...ids}
const keyRoot = "focushive"

// PresenceKey addresses one user's presence record within a hive.
func PresenceKey(hiveID, userID string) string {
	return fmt.Sprintf("%s:presence:%s:%s", keyRoot, hiveID, userID)
}

// PresencePrefix matches every presence record of a hive.
func PresencePrefix(hiveID string) string {
	return fmt.Sprintf("%s:presence:%s:", keyRoot, hiveID)
}

// AllPresencePrefix matches every presence record across hives.
func AllPresencePrefix() string {
	return keyRoot + ":presence:"
}

// DeviceKey indexes a live connection back to its presence record.
func DeviceKey(connectionID string) string {
	return fmt.Sprintf("%s:device:%s", keyRoot, connectionID)
}

// RevocationKey marks a token id as revoked until its natural expiry.
func RevocationKey(jti string) string {
	return fmt.Sprintf("%s:revoke:%s", keyRoot, jti)
}

// JWKSKey mirrors a signing key fetched from the identity provider.
func JWKSKey(kid string) string {
	return fmt.Sprintf("%s:jwks:%s", keyRoot, kid)
}

// RateLimitKey addresses a rate-limit counter bucket.
func RateLimitKey(bucket string) string {
	return fmt.Sprintf("%s:ratelimit:%s", keyRoot, bucket)
}

// ProfileKey holds a user's matching profile.
func ProfileKey(userID string) string {
	return fmt.Sprintf("%s:profile:%s", keyRoot, userID)
}

// ProfilePrefix matches every stored matching profile.
func ProfilePrefix() string {
	return keyRoot + ":profile:"
}

// DeltaChannel is the cross-node pub/sub channel for one topic.
func DeltaChannel(topic string) string {
	return fmt.Sprintf("%s:deltas:%s", keyRoot, topic)
}
