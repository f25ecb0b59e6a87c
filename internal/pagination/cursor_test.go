package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)

	c, err := Decode(Encode(ts, "pay_abc123"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ts, c.CreatedAt)
	assert.Equal(t, "pay_abc123", c.ID)
	assert.Equal(t, Encode(ts, "pay_abc123"), c.String())
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
	assert.Empty(t, c.String())
}

func TestDecode_Rejects(t *testing.T) {
	for name, in := range map[string]string{
		"not base64":   "not-base64!!!",
		"no separator": base64.URLEncoding.EncodeToString([]byte("nopipe")),
		"empty id":     base64.URLEncoding.EncodeToString([]byte("123|")),
		"bad nanos":    base64.URLEncoding.EncodeToString([]byte("abc|pur_1")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDecode_IDMayContainSeparator(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	c, err := Decode(Encode(ts, "pur|odd"))
	require.NoError(t, err)
	assert.Equal(t, "pur|odd", c.ID)
}

func TestComputePage(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return at, s }

	items, next, more := ComputePage([]string{"a", "b", "c"}, 5, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}

func TestLess_TieBreaksOnID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, Less(ts, "a", ts, "b"))
	assert.False(t, Less(ts, "b", ts, "a"))
	assert.False(t, Less(ts, "a", ts, "a"))
	assert.True(t, Less(ts, "z", ts.Add(time.Nanosecond), "a"))
}

func TestCursor_BeforeAfter(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c, err := Decode(Encode(ts, "m"))
	require.NoError(t, err)

	assert.True(t, c.Before(ts, "n"))
	assert.False(t, c.Before(ts, "m"))
	assert.True(t, c.After(ts, "l"))
	assert.True(t, c.After(ts.Add(-time.Second), "z"))
	assert.False(t, c.After(ts, "m"))
}
