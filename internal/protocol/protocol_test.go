package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, in Inbound)
	}{
		{
			name:  "send defaults to text",
			frame: `{"event":"dm:send","ref":"r1","data":{"conversationId":"c1","content":"Hello","clientMessageId":"x1"}}`,
			check: func(t *testing.T, in Inbound) {
				send := in.(*DMSend)
				if send.MessageType != models.MessageTypeText || send.ClientMessageID != "x1" {
					t.Fatalf("unexpected payload %+v", send)
				}
			},
		},
		{
			name:  "typing",
			frame: `{"event":"dm:typing","data":{"conversationId":"c1","isTyping":true}}`,
			check: func(t *testing.T, in Inbound) {
				if !in.(*DMTyping).IsTyping {
					t.Fatal("isTyping lost")
				}
			},
		},
		{
			name:  "signal keeps payload verbatim",
			frame: `{"event":"call:signal","data":{"callId":"k1","payload":{"type":"offer","sdp":"v=0"}}}`,
			check: func(t *testing.T, in Inbound) {
				if string(in.(*CallSignal).Payload) != `{"type":"offer","sdp":"v=0"}` {
					t.Fatalf("payload = %s", in.(*CallSignal).Payload)
				}
			},
		},
		{
			name:  "ping without data",
			frame: `{"event":"presence:ping"}`,
			check: func(t *testing.T, in Inbound) {
				if _, ok := in.(*PresencePing); !ok {
					t.Fatalf("got %T", in)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tt.check(t, frame.Payload)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{"not json", `{"event":`, "malformed_frame"},
		{"unknown event", `{"event":"dm:explode","data":{}}`, "unknown_event"},
		{"unknown field", `{"event":"dm:delete","data":{"messageId":"m1","force":true}}`, "malformed_payload"},
		{"missing conversation", `{"event":"dm:send","data":{"content":"hi","clientMessageId":"x"}}`, "missing_conversation_id"},
		{"missing client id", `{"event":"dm:send","data":{"conversationId":"c","content":"hi"}}`, "missing_client_message_id"},
		{"system type", `{"event":"dm:send","data":{"conversationId":"c","content":"hi","clientMessageId":"x","messageType":"system"}}`, "invalid_message_type"},
		{"id with space", `{"event":"call:accept","data":{"callId":"a b"}}`, "invalid_call_id"},
		{"bad call type", `{"event":"call:initiate","data":{"calleeId":"bob","callType":"hologram"}}`, "invalid_call_type"},
		{"empty signal", `{"event":"call:signal","data":{"callId":"k"}}`, "missing_payload"},
		{"offline status", `{"event":"presence:status","data":{"status":"offline"}}`, "invalid_status"},
		{"dnd fields on away", `{"event":"presence:status","data":{"status":"away","dndMessage":"x"}}`, "invalid_status"},
		{"long emoji", `{"event":"dm:react","data":{"messageId":"m","emoji":"` + strings.Repeat("x", 40) + `"}}`, "invalid_emoji"},
		{"empty subscribe", `{"event":"presence:subscribe","data":{"userIds":[]}}`, "missing_user_ids"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			if err == nil {
				t.Fatal("expected error")
			}
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("kind = %s, want validation", apperr.KindOf(err))
			}
			if apperr.Code(err) != tt.code {
				t.Fatalf("code = %q, want %q", apperr.Code(err), tt.code)
			}
		})
	}
}

func TestDecodeKeepsRefOnError(t *testing.T) {
	frame, err := Decode([]byte(`{"event":"dm:delete","ref":"abc","data":{}}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if frame.Ref != "abc" || frame.Event != "dm:delete" {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestEncodeReply(t *testing.T) {
	data, err := EncodeReply(EventError, "r9", ErrorPayload{Code: "rate_limited", Message: "slow down"})
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Event string       `json:"event"`
		Ref   string       `json:"ref"`
		Data  ErrorPayload `json:"data"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Event != "error" || got.Ref != "r9" || got.Data.Code != "rate_limited" {
		t.Fatalf("got %+v", got)
	}
}
