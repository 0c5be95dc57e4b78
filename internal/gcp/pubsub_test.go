package gcp

import (
	"encoding/base64"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

func pubsubEvent(t *testing.T, data string) cloudevents.Event {
	t.Helper()
	e := cloudevents.NewEvent()
	e.SetID("evt-1")
	e.SetSource("//pubsub.googleapis.com/projects/p/topics/t")
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	body := map[string]any{
		"message":      map[string]any{"data": base64.StdEncoding.EncodeToString([]byte(data)), "messageId": "42"},
		"subscription": "projects/p/subscriptions/s",
	}
	if err := e.SetData(cloudevents.ApplicationJSON, body); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	return e
}

func TestDecodePubSubEvent(t *testing.T) {
	var dst struct {
		AccountingYear string `json:"accountingYear"`
	}
	id, err := DecodePubSubEvent(pubsubEvent(t, `{"accountingYear":"2024"}`), &dst)
	if err != nil {
		t.Fatalf("DecodePubSubEvent() error = %v", err)
	}
	if id != "42" || dst.AccountingYear != "2024" {
		t.Fatalf("got id %q payload %+v", id, dst)
	}
}

func TestDecodePubSubEventRejectsBadPayloads(t *testing.T) {
	var dst map[string]any
	if _, err := DecodePubSubEvent(pubsubEvent(t, ""), &dst); err == nil {
		t.Fatalf("expected an error for an empty message")
	}
	if _, err := DecodePubSubEvent(pubsubEvent(t, "not json"), &dst); err == nil {
		t.Fatalf("expected an error for a non-JSON payload")
	}
}
