package wire

import (
	"errors"
	"testing"

	"nodecollab/internal/models"
)

func TestDecodeMessageRejectsMalformedPayloads(t *testing.T) {
	cases := []string{
		`{"kind":"op"}`,
		`{"kind":"cursor"}`,
		`{"kind":"chat","text":"hi"}`,
	}
	for _, raw := range cases {
		if _, err := DecodeMessage([]byte(raw)); !errors.Is(err, errMalformed) {
			t.Fatalf("%s: expected malformed error, got %v", raw, err)
		}
	}
	if _, err := DecodeMessage([]byte(`not json`)); err == nil {
		t.Fatalf("garbage should not decode")
	}
}

func TestOperationPayloadKeepsData(t *testing.T) {
	op := models.NewOperation(models.NodeUpdate{NodeID: "n1", Param: "scale", Value: "2"})
	op.UserID = "alice"
	raw, err := EncodeOperation(op)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	update, ok := msg.Op.Data.(models.NodeUpdate)
	if msg.Kind != KindOperation || !ok || update.Param != "scale" || msg.Op.UserID != "alice" {
		t.Fatalf("unexpected message %+v", msg)
	}
}
