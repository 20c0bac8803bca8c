// Package channel derives the routing keys shared by the durable log
// partitions, the broadcast bus topics and the gateway's room membership.
// Channels are not stored entities; the key is the identity.
package channel

import (
	"sort"
	"strings"
)

const (
	// Global is the broadcast key fanned out to every connected client.
	Global = "global"

	assistantPrefix = "ai-"
	topicPrefix     = "chat:"
)

// Direct returns the deterministic channel id for a two-party conversation:
// the participant ids sorted and joined, so both sides derive the same key.
func Direct(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return ids[0] + "-" + ids[1]
}

// Assistant returns the synthetic channel id for a user's AI-assistant
// conversation. The channel has exactly one human participant.
func Assistant(userID string) string {
	return assistantPrefix + userID
}

// IsAssistant reports whether id names an assistant conversation.
func IsAssistant(id string) bool {
	return strings.HasPrefix(id, assistantPrefix)
}

// Topic maps a channel id to its broadcast bus topic.
func Topic(channelID string) string {
	return topicPrefix + channelID
}

// FromTopic recovers the channel id from a bus topic. ok is false for
// topics outside the chat namespace.
func FromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, topicPrefix) {
		return "", false
	}
	return topic[len(topicPrefix):], true
}

// TopicPattern is the subscription pattern covering every chat topic.
func TopicPattern() string { return topicPrefix + "*" }
