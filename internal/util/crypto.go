package util

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sessionIDBytes gives generated session ids 128 bits of entropy.
const sessionIDBytes = 16

// GenerateSessionID returns "session_{startMs}_{hex}", the shape SDKs use.
func GenerateSessionID(now time.Time) (string, error) {
	bytes := make([]byte, sessionIDBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), hex.EncodeToString(bytes)), nil
}

// SessionStartFromID extracts the start time embedded in SDK session ids.
func SessionStartFromID(id string) (time.Time, bool) {
	parts := strings.SplitN(id, "_", 3)
	if len(parts) != 3 || parts[0] != "session" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

const anonymousPrefix = "anon_"

// AnonymousDisplayName derives a stable friendly name for a device.
func AnonymousDisplayName(deviceID string) string {
	hash := sha256.Sum256([]byte(deviceID))
	return anonymousPrefix + hex.EncodeToString(hash[:4])
}

// IsAnonymousIdentity reports whether a user id is empty or a generated anonymous name.
func IsAnonymousIdentity(userID string) bool {
	userID = strings.TrimSpace(userID)
	return userID == "" || strings.HasPrefix(userID, anonymousPrefix) || strings.EqualFold(userID, "anonymous")
}
