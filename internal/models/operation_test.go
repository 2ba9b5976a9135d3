package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestOperationJSONKeepsPayloadVariant(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	op := NewOperation(EdgeConnect{EdgeID: "e1", FromNode: "a", FromPort: "out", ToNode: "b", ToPort: "in"})
	op.UserID = "u1"
	op.Timestamp = ts

	raw, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"type":"edge.connect"`) {
		t.Fatalf("type tag missing: %s", raw)
	}

	var got Operation
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	edge, ok := got.Data.(EdgeConnect)
	if !ok {
		t.Fatalf("expected EdgeConnect payload, got %T", got.Data)
	}
	if edge.ToPort != "in" || got.UserID != "u1" || !got.Timestamp.Equal(ts) {
		t.Fatalf("decoded operation mismatch: %+v", got)
	}
}

func TestOperationRejectsUnknownType(t *testing.T) {
	var op Operation
	err := json.Unmarshal([]byte(`{"type":"canvas.paint","user_id":"u","data":{}}`), &op)
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestOperationRejectsMissingData(t *testing.T) {
	var op Operation
	if err := json.Unmarshal([]byte(`{"type":"node.delete","user_id":"u"}`), &op); err == nil {
		t.Fatalf("expected error for missing data")
	}
}

func TestOperationMarshalRejectsMismatchedTag(t *testing.T) {
	op := Operation{Type: OpNodeDelete, Data: NodeMove{NodeID: "n"}}
	if _, err := json.Marshal(op); err == nil {
		t.Fatalf("expected mismatched tag to fail")
	}
}

func TestUserActive(t *testing.T) {
	now := time.Now()
	u := User{LastActive: now.Add(-10 * time.Second)}
	if !u.Active(now, time.Minute) {
		t.Fatalf("user should be active")
	}
	if u.Active(now, 5*time.Second) {
		t.Fatalf("user should be idle")
	}
	if (User{}).Active(now, time.Hour) {
		t.Fatalf("user without input should be idle")
	}
}
