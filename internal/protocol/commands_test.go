package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"set_name","name":"Alex","id":7}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Type != CmdSetName {
		t.Errorf("type = %q", cmd.Type)
	}
	if string(cmd.ID) != "7" {
		t.Errorf("id = %s, want 7", cmd.ID)
	}
	if cmd.NameString() != "Alex" {
		t.Errorf("name = %q", cmd.NameString())
	}
}

func TestParseCommandNonStringFields(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":5,"name":{"first":"A"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Type != "" {
		t.Errorf("type = %q, want empty", cmd.Type)
	}
	if cmd.NameString() != "" {
		t.Errorf("name = %q, want empty", cmd.NameString())
	}
}

func TestParseCommandMalformed(t *testing.T) {
	for _, raw := range []string{"", "not json", "[1,2]", "null", `"chat"`, `{"type":"chat"`} {
		if _, err := ParseCommand([]byte(raw)); !errors.Is(err, ErrMalformedCommand) {
			t.Errorf("%q: err = %v, want ErrMalformedCommand", raw, err)
		}
	}
}

func TestOutboundMessagesOmitAbsentFields(t *testing.T) {
	data, err := Encode(Ack{Type: MsgAck})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"type":"ack"}` {
		t.Fatalf("ack = %s", data)
	}

	data, err = Encode(ChatBroadcast{
		Type:        MsgChat,
		Participant: "p1",
		Message:     json.RawMessage(`{"text":"hi"}`),
		Timestamp:   10,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"type":"chat","participant":"p1","message":{"text":"hi"},"timestamp":10}` {
		t.Fatalf("chat = %s", data)
	}
}

func TestInvalidFormatReply(t *testing.T) {
	if got := string(InvalidFormatReply()); got != `{"type":"error","message":"invalid message format"}` {
		t.Fatalf("reply = %s", got)
	}
}
