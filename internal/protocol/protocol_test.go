package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClient(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"HELLO","player_id":"p1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeHello, msg.Type)
	assert.Equal(t, "p1", msg.PlayerID)

	msg, err = DecodeClient([]byte(`{"type":"READY_UP"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeReadyUp, msg.Type)
	assert.Empty(t, msg.PlayerID)
}

func TestDecodeClientRejectsGarbage(t *testing.T) {
	_, err := DecodeClient([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeClient([]byte(`{}`))
	assert.Error(t, err, "frames without a type are malformed")
}

func TestServerFrameShapes(t *testing.T) {
	data, err := Encode(Welcome("p1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"WELCOME","player_id":"p1"}`, string(data))

	data, err = Encode(MatchFound("g1", "session-0"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"MATCH_FOUND","game_id":"g1","session_id":"session-0"}`, string(data))

	data, err = Encode(Error(ErrCodeNotIdentified, "send HELLO first"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ERROR","code":"NOT_IDENTIFIED","message":"send HELLO first"}`, string(data))
}

func TestStateFrameOmitsUnsetFields(t *testing.T) {
	data, err := Encode(State("READY"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"STATE","state":"READY"}`, string(data))
}
