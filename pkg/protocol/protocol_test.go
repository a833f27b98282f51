package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(MsgClientHello, map[string]interface{}{
		"name":       "Bob's PC",
		"video_port": 12346,
	})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, MsgClientHello, msg.Type)

	var payload struct {
		Name      string `json:"name"`
		VideoPort int    `json:"video_port"`
	}
	require.NoError(t, msg.DecodePayload(&payload))
	assert.Equal(t, "Bob's PC", payload.Name)
	assert.Equal(t, 12346, payload.VideoPort)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = Decode([]byte(`{"payload": {}}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestReadEnvelope(t *testing.T) {
	data, err := Encode(MsgServerAck, map[string]string{"status": "connected"})
	require.NoError(t, err)

	msg, err := ReadEnvelope(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, MsgServerAck, msg.Type)
}

func TestFramedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, MsgHandshake, map[string]string{"magic": ServerHelloMagic}))

	msg, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, MsgHandshake, msg.Type)

	var payload struct {
		Magic string `json:"magic"`
	}
	require.NoError(t, msg.DecodePayload(&payload))
	assert.Equal(t, ServerHelloMagic, payload.Magic)
}

func TestReadFramedPeerGone(t *testing.T) {
	// Clean EOF before any header byte.
	msg, err := ReadFramed(bytes.NewReader(nil))
	assert.NoError(t, err)
	assert.Nil(t, msg)

	// Header promises more bytes than the stream holds.
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.WriteString("short")

	msg, err = ReadFramed(&buf)
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestReadFramedDecodeError(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("garbage")
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)

	_, err := ReadFramed(&buf)
	assert.ErrorIs(t, err, ErrFrameDecode)
}

func TestReadFramedRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	buf.Write(hdr[:])

	_, err := ReadFramed(&buf)
	assert.ErrorIs(t, err, ErrFrameDecode)
}

func TestVideoPacketRoundTrip(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}

	var buf bytes.Buffer
	require.NoError(t, WriteVideoPacket(&buf, payload))

	got, err := ReadVideoPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Stream exhausted: next read reports peer gone, not an error.
	got, err = ReadVideoPacket(&buf)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadVideoPacketInvalidLengths(t *testing.T) {
	var zero bytes.Buffer
	var hdr [4]byte
	zero.Write(hdr[:])
	_, err := ReadVideoPacket(&zero)
	assert.ErrorIs(t, err, ErrFrameDecode)

	var huge bytes.Buffer
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	huge.Write(hdr[:])
	_, err = ReadVideoPacket(&huge)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestTagViewerPacket(t *testing.T) {
	payload := []byte("frame-bytes")
	tagged := TagViewerPacket("10.0.0.5:9001", payload)

	require.Len(t, tagged, 4+ViewerIDWidth+len(payload))
	assert.Equal(t, uint32(ViewerIDWidth+len(payload)), binary.BigEndian.Uint32(tagged[:4]))

	clientID, got, err := SplitViewerPacket(bytes.NewReader(tagged))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9001", clientID)
	assert.Equal(t, payload, got)
}

func TestSplitViewerPacketShortPrefix(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVideoPacket(&buf, []byte("too-short")))

	_, _, err := SplitViewerPacket(&buf)
	assert.ErrorIs(t, err, ErrFrameDecode)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "native form", in: "10.0.0.6:9002", want: "10.0.0.6:9002"},
		{name: "legacy tuple form", in: "('10.0.0.6', 9002)", want: "10.0.0.6:9002"},
		{name: "tuple with double quotes", in: `("10.0.0.6", 9002)`, want: "10.0.0.6:9002"},
		{name: "surrounding whitespace", in: "  10.0.0.6:9002  ", want: "10.0.0.6:9002"},
		{name: "hostname", in: "workstation:9002", want: "workstation:9002"},
		{name: "empty", in: "", wantErr: true},
		{name: "no port", in: "10.0.0.6", wantErr: true},
		{name: "non-numeric port", in: "10.0.0.6:http", wantErr: true},
		{name: "garbage", in: "not an address", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
