package gcp

import (
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// PubSubMessage is the data of a google.cloud.pubsub.topic.v1.messagePublished event.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes,omitempty"`
		ID         string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePubSubEvent unmarshals the JSON payload carried by a Pub/Sub CloudEvent into dst.
func DecodePubSubEvent(e cloudevents.Event, dst any) (messageID string, err error) {
	var msg PubSubMessage
	if err := json.Unmarshal(e.Data(), &msg); err != nil {
		return "", fmt.Errorf("failed to unmarshal event data: %w", err)
	}
	if len(msg.Message.Data) == 0 {
		return msg.Message.ID, fmt.Errorf("pub/sub message %q has no data", msg.Message.ID)
	}
	if err := json.Unmarshal(msg.Message.Data, dst); err != nil {
		return msg.Message.ID, fmt.Errorf("failed to unmarshal message payload: %w", err)
	}
	return msg.Message.ID, nil
}
