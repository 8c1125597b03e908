package messaging

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/golang/protobuf/ptypes/empty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &domain.Message{
		TxID: "tx-1",
		Kind: domain.KindPrepare,
		Payload: domain.Payload{
			{Key: "b", Value: "2"},
			{Key: "a", Value: "1"},
		},
	}

	frame := Encode(msg)
	require.Equal(t, byte('\n'), frame[len(frame)-1])
	assert.Equal(t, 1, bytes.Count(frame, []byte{'\n'}), "a frame is a single line")

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
	assert.Equal(t, "b", decoded.Payload[0].Key, "payload order is preserved")
}

func TestEncodeOmitsEmptyPayload(t *testing.T) {
	frame := Encode(&domain.Message{TxID: "tx-1", Kind: domain.KindCommit})
	assert.NotContains(t, string(frame), "payload")
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"empty":                        "",
		"truncated":                    `{"tx_id":"tx-1","kind":"PREPARE"}`,
		"not json":                     "hello\n",
		"missing tx id":                `{"kind":"PREPARE"}` + "\n",
		"missing kind":                 `{"tx_id":"tx-1"}` + "\n",
		"unknown kind":                 `{"tx_id":"tx-1","kind":"MAYBE"}` + "\n",
		"trailing bytes":               `{"tx_id":"tx-1","kind":"COMMIT"}` + "\n" + "x",
		"two frames":                   `{"tx_id":"tx-1","kind":"COMMIT"}` + "\n" + `{"tx_id":"tx-2","kind":"ABORT"}` + "\n",
		"prepare without payload":      `{"tx_id":"tx-1","kind":"PREPARE"}` + "\n",
		"prepare with empty key":       `{"tx_id":"tx-1","kind":"PREPARE","payload":[{"key":"","value":"1"}]}` + "\n",
		"prepare with repeated key":    `{"tx_id":"tx-1","kind":"PREPARE","payload":[{"key":"a","value":"1"},{"key":"a","value":"2"}]}` + "\n",
		"state response without state": `{"tx_id":"tx-1","kind":"STATE_RESPONSE"}` + "\n",
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			require.Error(t, err)

			var malformed *domain.MalformedMessageError
			assert.True(t, errors.As(err, &malformed), "got %T", err)
		})
	}
}

func TestDecoderReadsStream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode(&domain.Message{TxID: "tx-1", Kind: domain.KindVoteYes}))
	buf.Write(Encode(&domain.Message{TxID: "tx-2", Kind: domain.KindVoteNo}))

	dec := NewDecoder(&buf)

	first, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "tx-1", first.TxID)

	second, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, domain.KindVoteNo, second.Kind)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderReportsTruncatedTail(t *testing.T) {
	frame := Encode(&domain.Message{TxID: "tx-1", Kind: domain.KindAckCommit})
	dec := NewDecoder(bytes.NewReader(frame[:len(frame)-3]))

	_, err := dec.Next()

	var malformed *domain.MalformedMessageError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "truncated frame", malformed.Reason)
}

func TestWireCodec(t *testing.T) {
	codec := wireCodec{}
	assert.Equal(t, CodecName, codec.Name())

	t.Run("protocol message", func(t *testing.T) {
		data, err := codec.Marshal(&domain.Message{TxID: "tx-1", Kind: domain.KindAbort})
		require.NoError(t, err)

		out := &domain.Message{}
		require.NoError(t, codec.Unmarshal(data, out))
		assert.Equal(t, domain.KindAbort, out.Kind)
	})

	t.Run("invalid protocol message is not sent", func(t *testing.T) {
		_, err := codec.Marshal(&domain.Message{Kind: domain.KindAbort})
		assert.Error(t, err)

		_, err = codec.Marshal(&domain.Message{TxID: "tx-1", Kind: domain.KindPrepare})
		assert.Error(t, err)
	})

	t.Run("control message", func(t *testing.T) {
		data, err := codec.Marshal(&domain.Registration{ID: "P1", Address: "127.0.0.1:5001", FailureRate: 0.5})
		require.NoError(t, err)

		out := &domain.Registration{}
		require.NoError(t, codec.Unmarshal(data, out))
		assert.Equal(t, "P1", out.ID)
		assert.Equal(t, 0.5, out.FailureRate)
	})

	t.Run("well-known type", func(t *testing.T) {
		data, err := codec.Marshal(&empty.Empty{})
		require.NoError(t, err)
		assert.NoError(t, codec.Unmarshal(data, &empty.Empty{}))
	})
}
