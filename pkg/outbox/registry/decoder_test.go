package registry

import (
	"encoding/json"
	"testing"

	"github.com/greenbasket/greenbasket-backend/pkg/enums"
)

func TestDecoderRegistry(t *testing.T) {
	reg := NewDecoderRegistry()
	reg.Register(enums.EventOrderStatusChanged, 1, func(payload json.RawMessage) (interface{}, error) {
		var decoded map[string]string
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	})

	input := json.RawMessage(`{"to_status":"shipped"}`)
	output, err := reg.Decode(enums.EventOrderStatusChanged, 1, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outMap, ok := output.(map[string]string); !ok || outMap["to_status"] != "shipped" {
		t.Fatalf("unexpected output %+v", output)
	}
}

func TestDecoderRegistryUnknownVersion(t *testing.T) {
	reg := NewDecoderRegistry()
	if _, err := reg.Decode(enums.EventOrderStatusChanged, 2, json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for unregistered decoder")
	}
}
