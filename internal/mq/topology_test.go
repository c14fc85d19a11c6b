package mq

import (
	"encoding/json"
	"testing"
)

// --- Topology Tests ---

func TestTopology_BindingsReferenceDeclared(t *testing.T) {
	exchanges, queues, bindings := topology()

	declaredEx := make(map[Exchange]bool)
	for _, ex := range exchanges {
		declaredEx[ex.name] = true
	}
	declaredQ := make(map[Queue]bool)
	for _, q := range queues {
		declaredQ[q.name] = true
	}

	for _, b := range bindings {
		if !declaredEx[b.exchange] {
			t.Errorf("binding %s uses undeclared exchange %s", b.queue, b.exchange)
		}
		if !declaredQ[b.queue] {
			t.Errorf("binding to %s uses undeclared queue", b.queue)
		}
	}

	for _, q := range queues {
		dlx, ok := q.args["x-dead-letter-exchange"]
		if !ok {
			continue
		}
		if !declaredEx[Exchange(dlx.(string))] {
			t.Errorf("queue %s dead-letters to undeclared exchange %v", q.name, dlx)
		}
	}
}

func TestParsePayload(t *testing.T) {
	type payload struct {
		Target string `json:"target"`
	}

	msg := &Message{Type: MessageTypeNotification, Payload: json.RawMessage(`{"target":"ops"}`)}
	got, err := ParsePayload[payload](msg)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if got.Target != "ops" {
		t.Errorf("target = %q, want ops", got.Target)
	}

	if _, err := ParsePayload[payload](&Message{Type: MessageTypeEffectsPending}); err == nil {
		t.Error("expected error for empty payload")
	}
}
