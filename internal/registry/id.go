package registry

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

var idEpoch = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

// IDSource yields the candidate id for a 0-based attempt.
type IDSource func(attempt int) string

// TimeIDSource derives ids from the milliseconds elapsed since a fixed
// epoch in base 36. Retries append a random suffix so a collision inside
// the same millisecond cannot repeat.
func TimeIDSource(attempt int) string {
	id := strconv.FormatInt(time.Since(idEpoch).Milliseconds(), 36)
	if attempt > 0 {
		id += randomSuffix(4)
	}
	return id
}

// GenerateID returns the first candidate from src that validate accepts.
func GenerateID(src IDSource, validate func(string) bool) string {
	if src == nil {
		src = TimeIDSource
	}
	for attempt := 0; ; attempt++ {
		id := src(attempt)
		if validate == nil || validate(id) {
			return id
		}
	}
}

func randomSuffix(length int) string {
	b := make([]byte, (length+1)/2)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano()%1e6, 36)
	}
	return hex.EncodeToString(b)[:length]
}
