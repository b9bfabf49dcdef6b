package natsclient

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Config holds the connection knobs this core cares about. The client
// name is always "dispatchcore" so connections show up labeled that way
// in nats server monitoring regardless of which call site connects.
type Config struct {
	MaxReconnects int
}

func NewConnect(url string, cfg Config) (*nats.Conn, error) {
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}

	nc, err := nats.Connect(url,
		nats.Name("dispatchcore"),
		nats.MaxReconnects(maxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return nc, nil
}

// NewJetStream ensures the task lifecycle event stream exists and returns
// a JetStream context scoped to it. streamName and subject come from
// internal/config, so the stream this core publishes to can be renamed
// per deployment without touching this file.
func NewJetStream(nc *nats.Conn, streamName, subject string) (nats.JetStreamContext, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("JetStream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		Replicas: 1,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("JetStream add stream %s: %w", streamName, err)
	}

	return js, nil
}
