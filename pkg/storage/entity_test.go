package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeJSONFieldsAndScalars(t *testing.T) {
	s, err := serialize("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", s)

	s, err = serialize(nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = serialize(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, s)

	s, err = serialize([]any{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, `["x","y"]`, s)
}

func TestQuotedColumnList(t *testing.T) {
	got := quotedColumnList([]string{"id", "name"})
	assert.Equal(t, "[id], [name]", got)
}

func TestToInt64Conversions(t *testing.T) {
	assert.EqualValues(t, 3, toInt64(int64(3)))
	assert.EqualValues(t, 3, toInt64(int32(3)))
	assert.EqualValues(t, 3, toInt64(3.0))
	assert.EqualValues(t, 3, toInt64("3"))
	assert.EqualValues(t, 0, toInt64(nil))
}
