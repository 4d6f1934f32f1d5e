package clearnode

import (
	"encoding/json"
	"testing"

	"github.com/layer-3/certsettle/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadWireFormat(t *testing.T) {
	payload, err := NewPayload(7, MethodAuthVerify, []AuthVerifyParams{{Challenge: "abc"}}, 1700000000000)
	require.NoError(t, err)

	raw, err := json.Marshal(Request{Req: payload, Sig: []string{"0x01"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"req":[7,"auth_verify",[{"challenge":"abc"}],1700000000000],"sig":["0x01"]}`, string(raw))
}

func TestParseResponse(t *testing.T) {
	msg, err := ParseResponse([]byte(`{"res":[3,"auth_challenge",[{"challenge_message":"xyz"}],1700000000000],"sig":[]}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), msg.Res.RequestID)
	assert.Equal(t, MethodAuthChallenge, msg.Res.Method)

	var challenge AuthChallengeParams
	require.NoError(t, msg.Res.DecodeParams(&challenge))
	assert.Equal(t, "xyz", challenge.ChallengeMessage)
}

func TestDecodeParamsObject(t *testing.T) {
	msg, err := ParseResponse([]byte(`{"res":[1,"auth_verify",{"success":true},1]}`))
	require.NoError(t, err)

	var result AuthVerifyResult
	require.NoError(t, msg.Res.DecodeParams(&result))
	assert.True(t, result.Success)
}

func TestParseResponseMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"req":[1,"ping",[],1]}`,
		`{"res":[1,"ping"]}`,
		`{"res":["x","ping",[],1]}`,
	}
	for _, raw := range cases {
		_, err := ParseResponse([]byte(raw))
		assert.ErrorIs(t, err, core.ErrMalformedMessage, raw)
	}
}

func TestErrorText(t *testing.T) {
	msg, err := ParseResponse([]byte(`{"res":[1,"error",[{"error":"bad signature"}],1]}`))
	require.NoError(t, err)
	assert.Equal(t, "bad signature", errorText(msg.Res))

	msg, err = ParseResponse([]byte(`{"res":[1,"error",["plain reason"],1]}`))
	require.NoError(t, err)
	assert.Equal(t, "plain reason", errorText(msg.Res))
}

func TestParseAuthMode(t *testing.T) {
	mode, err := ParseAuthMode("")
	require.NoError(t, err)
	assert.Equal(t, AuthModeRaw, mode)

	mode, err = ParseAuthMode("EIP712")
	require.NoError(t, err)
	assert.Equal(t, AuthModeEIP712, mode)

	_, err = ParseAuthMode("ed25519")
	assert.Error(t, err)
}
