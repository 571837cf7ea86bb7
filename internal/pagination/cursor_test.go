package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	cursor, err := Decode(Encode(ts, "ofr_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "ofr_abc123", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"not-base64!!!", "bm9waXBl", "eHx5"} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursor_After(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "ofr_m"}

	assert.True(t, c.After(ts.Add(-time.Second), "ofr_z"), "older rows follow")
	assert.False(t, c.After(ts.Add(time.Second), "ofr_a"), "newer rows precede")
	assert.True(t, c.After(ts, "ofr_a"), "ties break on id descending")
	assert.False(t, c.After(ts, "ofr_m"), "cursor row itself is excluded")

	var none *Cursor
	assert.True(t, none.After(ts, "anything"))
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, DefaultLimit, ParseLimit("abc"))
	assert.Equal(t, 5, ParseLimit("5"))
	assert.Equal(t, MaxLimit, ParseLimit("1000"))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	}

	result, cursor, hasMore := ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, result, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)

	result, cursor, hasMore = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Len(t, result, 3)
	assert.True(t, hasMore)
	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
