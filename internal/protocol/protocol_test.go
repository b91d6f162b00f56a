package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantID  string
		want    any
		wantErr error
	}{
		{
			name:   "join room",
			raw:    `{"type":"joinRoom","id":"7","data":{"name":"alice","room":"r1","makePrivate":true,"password":"abcd"}}`,
			wantID: "7",
			want:   JoinRoom{Name: "alice", Room: "r1", MakePrivate: true, Password: "abcd"},
		},
		{
			name: "leave room without data",
			raw:  `{"type":"leaveRoom"}`,
			want: LeaveRoom{},
		},
		{
			name: "message",
			raw:  `{"type":"message","data":{"text":"hi"}}`,
			want: SendMessage{Text: "hi"},
		},
		{
			name: "typing clear",
			raw:  `{"type":"typing:update","data":{"text":"","channel":"1"}}`,
			want: TypingUpdate{Text: "", Channel: "1"},
		},
		{
			name: "null data yields zero payload",
			raw:  `{"type":"message","data":null}`,
			want: SendMessage{},
		},
		{
			name:    "unknown type",
			raw:     `{"type":"shout","data":{}}`,
			wantErr: ErrUnknownType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, payload, err := Decode([]byte(tt.raw))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, env.ID)
			assert.Equal(t, tt.want, payload)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"type":"joinRoom","data":"nope"}`} {
		_, _, err := Decode([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestEncode(t *testing.T) {
	b, err := Encode(TypeRoomMembers, "", RoomMembers{Room: "room1", Users: []string{"alice", "bob"}, Count: 2})
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"type":"roomMembers","data":{"room":"room1","users":["alice","bob"],"count":2}}`,
		string(b))

	var env Envelope
	require.NoError(t, json.Unmarshal(MustEncode(TypeLeaveResult, "3", LeaveResult{OK: true}), &env))
	assert.Equal(t, "3", env.ID)
	assert.Equal(t, TypeLeaveResult, env.Type)
}
