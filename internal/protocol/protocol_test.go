package protocol

import (
	"errors"
	"testing"

	"github.com/unidesk/unidesk/collab-go/internal/op"
)

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"teleport","documentId":"d","userId":"u"}`},
		{"missing document", `{"type":"cursor","userId":"u"}`},
		{"missing user", `{"type":"cursor","documentId":"d"}`},
		{"operation bad payload", `{"type":"operation","documentId":"d","userId":"u","payload":"nope"}`},
		{"operation empty insert", `{"type":"operation","documentId":"d","userId":"u","payload":{"id":"1","kind":"insert","position":0,"author":"u"}}`},
		{"operation negative position", `{"type":"operation","documentId":"d","userId":"u","payload":{"id":"1","kind":"insert","position":-2,"text":"x","author":"u"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("err = %v, want ErrMalformedMessage", err)
			}
		})
	}
}

func TestOperationRoundTrip(t *testing.T) {
	operation := op.NewInsert("user_a", 3, 5, "hi")
	msg := MustNew(TypeOperation, "doc_1", "user_a", "Ada", operation)

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := decoded.Operation()
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if got != operation {
		t.Errorf("operation round trip: got %+v, want %+v", got, operation)
	}
}

func TestValidateAcceptsAllTypes(t *testing.T) {
	for _, msgType := range []string{
		TypeCursor, TypePresence, TypeDocumentRequest, TypeDocumentResponse,
		TypeAcknowledgment, TypeUserLeft, TypeError, TypePing, TypePong,
	} {
		msg := MustNew(msgType, "doc_1", "user_a", "", struct{}{})
		if err := msg.Validate(); err != nil {
			t.Errorf("%s rejected: %v", msgType, err)
		}
	}
}
