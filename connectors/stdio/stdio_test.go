package stdio_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/connectors/stdio"
	"tributary.dev/tributary/streams"
)

func TestSourceReadsJSONLines(t *testing.T) {
	ctx := context.Background()
	input := strings.Join([]string{
		`{"key":"a","value":"1","timestamp":1000}`,
		``,
		`{"key":"b","timestamp":2000}`,
	}, "\n")

	reader, err := stdio.SourceConfig{Input: strings.NewReader(input)}.NewReader(0)
	require.NoError(t, err)

	batch, err := reader.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2, "blank lines are skipped")

	assert.Equal(t, []byte("a"), batch[0].Key)
	assert.Equal(t, []byte("1"), batch[0].Value)
	assert.Equal(t, time.UnixMilli(1000).UnixMilli(), batch[0].Timestamp.UnixMilli())

	assert.Equal(t, []byte("b"), batch[1].Key)
	assert.Nil(t, batch[1].Value, "a missing value is a tombstone")

	_, err = reader.ReadBatch(ctx)
	assert.ErrorIs(t, err, connectors.ErrEndOfInput)
}

func TestSourceStampsMissingTimestamps(t *testing.T) {
	ctx := context.Background()
	reader, err := stdio.SourceConfig{Input: strings.NewReader(`{"key":"a","value":"1"}`)}.NewReader(0)
	require.NoError(t, err)

	before := time.Now()
	batch, err := reader.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.False(t, batch[0].Timestamp.Before(before))
}

func TestSourceRejectsMalformedLines(t *testing.T) {
	ctx := context.Background()
	reader, err := stdio.SourceConfig{Input: strings.NewReader("not json")}.NewReader(0)
	require.NoError(t, err)

	_, err = reader.ReadBatch(ctx)
	require.Error(t, err)
	assert.False(t, connectors.IsRetryable(err), "bad pipe data does not improve on retry")
}

func TestSourceIsSinglePartition(t *testing.T) {
	_, err := stdio.SourceConfig{Input: strings.NewReader("")}.NewReader(1)
	assert.Error(t, err)
}

func TestSinkWritesJSONLines(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	writer, err := stdio.SinkConfig{Output: &out}.NewWriter()
	require.NoError(t, err)

	require.NoError(t, writer.Write(ctx, streams.Record{
		Key:       []byte("a"),
		Value:     []byte("1"),
		Timestamp: time.UnixMilli(1000),
	}))
	require.NoError(t, writer.Write(ctx, streams.Record{
		Key:       []byte("gone"),
		Timestamp: time.UnixMilli(2000),
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"key":"a","value":"1","timestamp":1000}`, lines[0])
	assert.JSONEq(t, `{"key":"gone","timestamp":2000}`, lines[1], "tombstones omit the value")
}
