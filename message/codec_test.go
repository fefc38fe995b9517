package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePingPong(t *testing.T) {
	// CON ping -> RST echo.
	ping := []byte{0x40, 0x00, 0x12, 0x34}
	m, kind, err := Decode(ping)
	require.NoError(t, err)
	assert.Equal(t, KindEmpty, kind)
	assert.Equal(t, Confirmable, m.Type)
	assert.EqualValues(t, 0x1234, m.ID)

	rst := New(Reset, Empty, m.ID)
	out, err := Encode(rst)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x70, 0x00, 0x12, 0x34}, out)
}

func TestEncodeDecodeSimpleGet(t *testing.T) {
	// CON GET /test -> piggybacked 2.05 ACK.
	raw := []byte{0x41, 0x01, 0x00, 0x01, 0xFF, 0xB4, 't', 'e', 's', 't'}
	m, kind, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindRequest, kind)
	assert.Equal(t, GET, m.Code)
	assert.Equal(t, []byte{0xFF}, m.Token)
	assert.Equal(t, []string{"test"}, m.Options.Path())

	ack := New(Acknowledgement, Content, m.ID)
	ack.Token = m.Token
	ack.Payload = []byte("hello")
	out, err := Encode(ack)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x61, 0x45, 0x00, 0x01, 0xFF, 0xFF, 'h', 'e', 'l', 'l', 'o'}, out)
}

func TestRoundTripWellFormed(t *testing.T) {
	m := New(Confirmable, GET, 7)
	m.Token = []byte{1, 2, 3}
	m.AddOption(UriPath, "sensors")
	m.AddOption(UriPath, "temp")
	m.AddOption(ContentFormat, uint32(0))
	m.SortOptions()

	data, err := Encode(m)
	require.NoError(t, err)

	back, kind, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindRequest, kind)
	assert.Equal(t, m.Type, back.Type)
	assert.Equal(t, m.Code, back.Code)
	assert.Equal(t, m.ID, back.ID)
	assert.True(t, bytes.Equal(m.Token, back.Token))
	assert.Equal(t, m.Options.Path(), back.Options.Path())

	again, err := Encode(back)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestDecodeRejectsUnknownCriticalOption(t *testing.T) {
	// Option number 9 is odd (critical) and unregistered here.
	raw := []byte{0x40, 0x01, 0x00, 0x01, 0x90}
	_, _, err := Decode(raw)
	require.Error(t, err)
	var uc *UnknownCriticalOptionError
	require.ErrorAs(t, err, &uc)
	assert.EqualValues(t, 9, uc.Option)
}

func TestDecodeRejectsPayloadMarkerWithNoPayload(t *testing.T) {
	raw := []byte{0x40, 0x01, 0x00, 0x01, 0xFF}
	_, _, err := Decode(raw)
	require.Error(t, err)
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, _, err := Decode([]byte{0x40, 0x01})
	require.Error(t, err)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	_, _, err := Decode([]byte{0x00, 0x01, 0x00, 0x01})
	require.Error(t, err)
}

func TestEncodeExtendedOptionLengths(t *testing.T) {
	m := New(Confirmable, PUT, 1)
	big := bytes.Repeat([]byte{'x'}, 300)
	m.AddOption(ProxyUri, string(big))
	data, err := Encode(m)
	require.NoError(t, err)
	back, _, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, string(big), back.Options.GetString(ProxyUri))
}

func TestOptionCriticalUnsafeNoCacheKey(t *testing.T) {
	assert.True(t, IfMatch.IsCritical())
	assert.False(t, ContentFormat.IsCritical())
	assert.True(t, UriHost.IsUnsafe())
	assert.True(t, UriPath.IsUnsafe())
	assert.True(t, Size1.IsNoCacheKey())
	assert.False(t, ETag.IsNoCacheKey())
}
