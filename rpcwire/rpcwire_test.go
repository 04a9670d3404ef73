package rpcwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []Envelope{
		OKEnvelope([]byte("v"), true, []byte("m"), true),
		OKEnvelope(nil, false, nil, false),
		OKEnvelope([]byte{}, true, nil, false),
		ErrEnvelope(CodeNotReady, "not ready yet"),
	}
	for _, e := range cases {
		got, err := DecodeEnvelope(e.Encode())
		require.NoError(t, err)
		assert.Equal(t, e.OK, got.OK)
		assert.Equal(t, e.HasValue, got.HasValue)
		assert.Equal(t, e.Value, got.Value)
		assert.Equal(t, e.HasMeta, got.HasMeta)
		assert.Equal(t, e.Meta, got.Meta)
		assert.Equal(t, e.Message, got.Message)
	}
}

func TestEnvelopeUnknownCodeNormalizes(t *testing.T) {
	e := Envelope{OK: false, Code: Code("SomethingMadeUp"), Message: "x"}
	got, err := DecodeEnvelope(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, CodeUnknown, got.Code)
}

func TestFrameRoundTrip(t *testing.T) {
	req := Frame{Type: FrameRequest, RID: 42, MethodID: MethodGet, Payload: []byte("payload")}
	got, err := DecodeFrame(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, got)

	resp := Frame{Type: FrameResponse, RID: 42, MethodID: MethodScan, More: true, Payload: []byte("rows")}
	got, err = DecodeFrame(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, resp, got)

	cancel := Frame{Type: FrameCancel, RID: 7, MethodID: MethodPut}
	got, err = DecodeFrame(cancel.Encode())
	require.NoError(t, err)
	assert.Equal(t, Frame{Type: FrameCancel, RID: 7, MethodID: MethodPut, Payload: nil}, got)
}

func TestGetRequestRoundTrip(t *testing.T) {
	r := GetRequest{Key: []byte("k"), Caps: []byte("tok"), HasCaps: true}
	got, err := DecodeGetRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)

	r2 := GetRequest{Key: []byte("k2")}
	got2, err := DecodeGetRequest(r2.Encode())
	require.NoError(t, err)
	assert.Equal(t, r2, got2)
}

func TestPutRequestRoundTrip(t *testing.T) {
	r := PutRequest{Key: []byte("k"), Value: []byte("v"), Caps: []byte("tok"), HasCaps: true}
	got, err := DecodePutRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestDelRequestRoundTrip(t *testing.T) {
	r := DelRequest{Key: []byte("k")}
	got, err := DecodeDelRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestAppendRequestRoundTrip(t *testing.T) {
	r := AppendRequest{Value: []byte("v")}
	got, err := DecodeAppendRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestScanRequestRoundTrip(t *testing.T) {
	r := ScanRequest{
		Prefix: []byte("pfx"), HasPrefix: true,
		Reverse: true,
		GTE:     []byte("a"), HasGTE: true,
		LT:      []byte("z"), HasLT: true,
		Caps: []byte("tok"), HasCaps: true,
	}
	got, err := DecodeScanRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)

	empty := ScanRequest{}
	gotEmpty, err := DecodeScanRequest(empty.Encode())
	require.NoError(t, err)
	assert.Equal(t, empty, gotEmpty)
}

func TestCodeErrorInterface(t *testing.T) {
	var err error = CodeTimeout
	assert.EqualError(t, err, "Timeout")
}
