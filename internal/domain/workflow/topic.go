package workflow

import "strings"

// Topic prefixes on the push channel.
const (
	generationPrefix = "generation:"
	documentPrefix   = "document:"

	// NotificationsTopic carries account-wide notifications.
	NotificationsTopic = "notifications"
)

// TopicKind classifies a topic string.
type TopicKind string

const (
	TopicGeneration    TopicKind = "generation"
	TopicDocument      TopicKind = "document"
	TopicNotifications TopicKind = "notifications"
	TopicOther         TopicKind = "other"
)

func GenerationTopic(jobID string) string { return generationPrefix + jobID }

func DocumentTopic(docID string) string { return documentPrefix + docID }

// ParseTopic splits a topic into its kind and the id it refers to.
func ParseTopic(topic string) (TopicKind, string) {
	switch {
	case strings.HasPrefix(topic, generationPrefix):
		return TopicGeneration, strings.TrimPrefix(topic, generationPrefix)
	case strings.HasPrefix(topic, documentPrefix):
		return TopicDocument, strings.TrimPrefix(topic, documentPrefix)
	case topic == NotificationsTopic:
		return TopicNotifications, ""
	default:
		return TopicOther, topic
	}
}
