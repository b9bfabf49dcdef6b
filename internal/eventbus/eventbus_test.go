package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

type fakePublisher struct {
	subj string
	data []byte
	err  error
}

func (f *fakePublisher) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	f.subj, f.data = subj, data
	if f.err != nil {
		return nil, f.err
	}
	return &nats.PubAck{}, nil
}

func TestPublishEncodesEventAsJSON(t *testing.T) {
	fp := &fakePublisher{}
	b := &Bus{js: fp, subject: "tasks.lifecycle"}

	ev := Event{TaskID: "t1", From: "PENDING", To: "DISPATCHING"}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if fp.subj != "tasks.lifecycle" {
		t.Fatalf("expected default subject used, got %s", fp.subj)
	}

	var decoded Event
	if err := json.Unmarshal(fp.data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.TaskID != "t1" || decoded.To != "DISPATCHING" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestPublishBestEffortSwallowsError(t *testing.T) {
	fp := &fakePublisher{err: errors.New("broker down")}
	b := &Bus{js: fp, subject: "tasks.lifecycle"}

	// Must not panic and must return control to the caller even though the
	// underlying publish fails.
	b.PublishBestEffort(context.Background(), Event{TaskID: "t1", To: "FAILED"})
}

func TestNewDefaultsSubject(t *testing.T) {
	b := New(nil, "")
	if b.subject != DefaultSubject {
		t.Fatalf("expected default subject, got %s", b.subject)
	}
}
