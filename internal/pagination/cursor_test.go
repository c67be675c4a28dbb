package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)
	encoded := Cursor{CreatedAt: ts, ID: "tx_abc123"}.String()
	assert.NotEmpty(t, encoded)

	c, err := Parse(encoded)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ts, c.CreatedAt)
	assert.Equal(t, "tx_abc123", c.ID)
}

func TestParse_EmptyIsFirstPage(t *testing.T) {
	c, err := Parse("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestParse_Rejects(t *testing.T) {
	for name, s := range map[string]string{
		"not base64": "not-base64!!!",
		"no pipe":    base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		"bad nanos":  base64.RawURLEncoding.EncodeToString([]byte("abc|tx_1")),
		"empty id":   base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(s)
			assert.ErrorIs(t, err, ErrInvalidCursor)
			assert.ErrorIs(t, err, apperr.ErrInvalidInput)
		})
	}
}

func TestCursor_Includes(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "tx_m"}

	assert.True(t, c.Includes(ts.Add(-time.Second), "tx_z"), "older row")
	assert.False(t, c.Includes(ts.Add(time.Second), "tx_a"), "newer row")
	assert.True(t, c.Includes(ts, "tx_a"), "same time, smaller id")
	assert.False(t, c.Includes(ts, "tx_m"), "the cursor row itself")

	var first *Cursor
	assert.True(t, first.Includes(ts, "anything"))
}

func TestTrim(t *testing.T) {
	type row struct {
		at time.Time
		id string
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{base.Add(3), "c"}, {base.Add(2), "b"}, {base.Add(1), "a"}}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	page := Trim(rows, 2, key)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	next, err := Parse(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)

	page = Trim(rows, 3, key)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)

	empty := Trim[row](nil, 10, key)
	assert.NotNil(t, empty.Items)
}
