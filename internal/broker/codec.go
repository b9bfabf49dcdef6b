package broker

import (
	"encoding/json"
	"fmt"

	"github.com/cnyy99/giggle/internal/domain"
)

// encodeEnvelope/encodeWorkMessage/encodeControlMessage render the self
// describing UTF-8 text records spec.md §6 requires for every broker
// message body. JSON is the concrete encoding — it is self-describing,
// matches the teacher's wire format for everything it puts in Redis/NATS,
// and needs no generated code the way protobuf would.

func encodeEnvelope(p domain.PendingTask) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("broker: encode pending envelope: %w", err)
	}
	return string(b), nil
}

func decodeEnvelope(raw string) (domain.PendingTask, error) {
	var p domain.PendingTask
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.PendingTask{}, fmt.Errorf("broker: decode pending envelope: %w", err)
	}
	return p, nil
}

func encodeWorkMessage(m domain.WorkMessage) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("broker: encode work message: %w", err)
	}
	return string(b), nil
}

func encodeControlMessage(m domain.ControlMessage) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("broker: encode control message: %w", err)
	}
	return string(b), nil
}
