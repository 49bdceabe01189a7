package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TEST101: Kind.String covers known kinds and falls back for unknown values
func Test101_kind_string(t *testing.T) {
	assert.Equal(t, "START_STREAM", KindStartStream.String())
	assert.Equal(t, "FUNCTION_LOAD_RESPONSE_COLLECTION", KindFunctionLoadResponseCollection.String())
	assert.Equal(t, "CLOSE_SHARED_MEMORY_RESOURCES", KindCloseSharedMemoryResources.String())
	assert.Equal(t, "UNKNOWN(99)", Kind(99).String())
}

// TEST102: invocation response survives encode/decode with bindings and result intact
func Test102_invocation_response_roundtrip(t *testing.T) {
	original := NewInvocationResponse(InvocationResponse{
		InvocationID: "inv-1",
		OutputData: []ParameterBinding{
			{Name: "out", Data: []byte("hello")},
			{Name: "big", SharedMemory: &SharedMemoryRef{Name: "map-1", Count: 4096, Type: "bytes"}},
		},
		ReturnValue: []byte("ret"),
		Result:      Failure("boom"),
	})

	data, err := EncodeMessage(original)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)

	assert.Equal(t, KindInvocationResponse, decoded.Kind)
	assert.Equal(t, "inv-1", decoded.InvocationID())
	require.NotNil(t, decoded.InvocationResponse)
	require.Len(t, decoded.InvocationResponse.OutputData, 2)
	assert.Equal(t, []byte("hello"), decoded.InvocationResponse.OutputData[0].Data)
	assert.Equal(t, "map-1", decoded.InvocationResponse.OutputData[1].SharedMemory.Name)
	assert.Equal(t, int64(4096), decoded.InvocationResponse.OutputData[1].SharedMemory.Count)
	assert.False(t, decoded.InvocationResponse.Result.IsSuccess())
	assert.Equal(t, "boom", decoded.InvocationResponse.Result.Exception.Message)
}

// TEST103: status messages keep their request id and empty payloads
func Test103_status_request_id_roundtrip(t *testing.T) {
	data, err := EncodeMessage(NewStatusResponse("req-42"))
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, KindStatusResponse, decoded.Kind)
	assert.Equal(t, "req-42", decoded.RequestID)
	assert.NotNil(t, decoded.StatusResponse)
	assert.Equal(t, "", decoded.InvocationID())
}

// TEST104: Validate rejects kind/payload mismatches and empty envelopes
func Test104_validate_rejects_mismatch(t *testing.T) {
	msg := NewLog(Log{Message: "x"})
	msg.Kind = KindInvocationResponse
	assert.Error(t, msg.Validate())

	empty := &Message{Version: ProtocolVersion, Kind: KindLog}
	assert.Error(t, empty.Validate())

	double := NewSystemLog(LogLevelError, "x")
	double.Terminate = &Terminate{}
	assert.Error(t, double.Validate())

	unknown := &Message{Version: ProtocolVersion, Kind: Kind(200)}
	assert.Error(t, unknown.Validate())

	_, err := EncodeMessage(double)
	assert.Error(t, err)
}

// TEST105: DecodeMessage rejects a foreign protocol version
func Test105_decode_rejects_version(t *testing.T) {
	msg := NewTerminate(5 * time.Second)
	msg.Version = 9
	data, err := cbor.Marshal(msg)
	require.NoError(t, err)

	_, err = DecodeMessage(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid version")
}

// TEST106: Terminate carries its grace period in milliseconds
func Test106_terminate_grace_period(t *testing.T) {
	data, err := EncodeMessage(NewTerminate(1500 * time.Millisecond))
	require.NoError(t, err)
	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, decoded.Terminate.GracePeriod())
}

// TEST107: Writer and Reader exchange messages in order over a duplex pipe
func Test107_reader_writer_pipe(t *testing.T) {
	hostConn, workerConn := net.Pipe()
	defer hostConn.Close()
	defer workerConn.Close()

	go func() {
		w := NewWriter(workerConn)
		_ = w.WriteMessage(NewStartStream("worker-1"))
		_ = w.WriteMessage(NewUserLog("inv-1", LogLevelInformation, "line"))
		_ = w.WriteMessage(NewFunctionLoadResponseCollection([]FunctionLoadResponse{
			{FunctionID: "f1", Result: Success()},
			{FunctionID: "f2", Result: Failure("missing entry point")},
		}))
		workerConn.Close()
	}()

	r := NewReader(hostConn)

	first, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "worker-1", first.StartStream.WorkerID)

	second, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "inv-1", second.InvocationID())
	assert.Equal(t, LogCategoryUser, second.Log.Category)

	third, err := r.ReadMessage()
	require.NoError(t, err)
	require.Len(t, third.FunctionLoadResponseCollection.Responses, 2)
	assert.False(t, third.FunctionLoadResponseCollection.Responses[1].Result.IsSuccess())

	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

// TEST108: Reader enforces the max_message limit before allocating
func Test108_reader_enforces_limit(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 2048)
	buf.Write(prefix[:])

	r := NewReader(&buf)
	r.SetLimits(Limits{MaxMessage: 1024})
	_, err := r.ReadMessage()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_message")
}

// TEST109: Writer refuses messages larger than its limit
func Test109_writer_enforces_limit(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.SetLimits(Limits{MaxMessage: 16})

	err := w.WriteMessage(NewSystemLog(LogLevelInformation, "this message is definitely longer than sixteen bytes"))
	require.Error(t, err)
	assert.Equal(t, 0, buf.Len())
}

// TEST110: a truncated body is reported as unexpected EOF
func Test110_truncated_body(t *testing.T) {
	data, err := EncodeMessage(NewWarmupRequest("/opt/worker"))
	require.NoError(t, err)

	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	buf.Write(prefix[:])
	buf.Write(data[:len(data)-2])

	_, err = NewReader(&buf).ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// TEST111: a well-framed but malformed body is a DecodeError and the reader stays in sync
func Test111_reader_skips_malformed_body(t *testing.T) {
	bad := NewStartStream("w1")
	bad.StartStream = nil
	bad.InitResponse = &InitResponse{Result: Success()}
	body, err := cbor.Marshal(bad)
	require.NoError(t, err)

	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	buf.Write(prefix[:])
	buf.Write(body)
	require.NoError(t, NewWriter(&buf).WriteMessage(NewStartStream("w1")))

	r := NewReader(&buf)
	_, err = r.ReadMessage()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Contains(t, err.Error(), "START_STREAM message carries a INIT_RESPONSE payload")

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "w1", msg.StartStream.WorkerID)
}
