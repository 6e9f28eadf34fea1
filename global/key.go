package global

import (
	"hash/crc32"
	"strings"
)

// Topic naming. Presence broadcasts are global and not topic scoped.
const (
	TopicPrefixConversation = "conversation:"
	TopicPrefixCall         = "call:"
	TopicPrefixHuddle       = "huddle:"
)

func TopicConversation(convID string) string { return TopicPrefixConversation + convID }
func TopicCall(callID string) string         { return TopicPrefixCall + callID }
func TopicHuddle(huddleID string) string     { return TopicPrefixHuddle + huddleID }

// SplitTopic returns the scope ("conversation", "call", "huddle") and id.
func SplitTopic(topic string) (kind, id string, ok bool) {
	i := strings.IndexByte(topic, ':')
	if i <= 0 || i == len(topic)-1 {
		return "", "", false
	}
	return topic[:i], topic[i+1:], true
}

// HashPartition keys kafka partitioning, e.g. by recipient so one user's
// notifications stay ordered.
func HashPartition(key string, numPartitions int) int32 {
	checksum := crc32.ChecksumIEEE([]byte(key))
	return int32(checksum % uint32(numPartitions))
}
