package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// AttemptLastSeenKey returns the key holding the last proctor activity of an attempt
func (r *CacheKeyStruct) AttemptLastSeenKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:last_seen", attemptID)
}

var CacheKey = NewCacheKeyStruct()
