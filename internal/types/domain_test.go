package types

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassificationFormatting(t *testing.T) {
	c := Classification{Local: time.Date(2024, 3, 10, 5, 46, 9, 0, time.FixedZone("UTC+5", 5*3600))}

	assert.Equal(t, "2024-03-10", c.Date())
	assert.Equal(t, "05:46:09", c.Clock())
	assert.Equal(t, "2024-03-10 05:46:09", c.Datetime())
}

func TestJobEntryCloneIsDeep(t *testing.T) {
	name := "Ironclad"
	orig := JobEntry{GuildID: 42, GuildName: &name, Headers: Headers{"Authorization": "Bearer a"}}

	clone := orig.Clone()
	orig.Headers["Authorization"] = "Bearer b"
	*orig.GuildName = "Renamed"

	assert.Equal(t, "Bearer a", clone.Headers["Authorization"])
	assert.Equal(t, "Ironclad", *clone.GuildName)
}

func TestHeadersScanAndValue(t *testing.T) {
	var h Headers
	require.NoError(t, h.Scan([]byte(`{"Authorization":"Bearer x","X-Retry":3,"X-Null":null}`)))
	assert.Equal(t, Headers{"Authorization": "Bearer x", "X-Retry": "3"}, h)

	require.NoError(t, h.Scan(nil))
	assert.Empty(t, h)
	assert.Error(t, h.Scan(42))

	v, err := Headers(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), v)

	v, err = Headers{"A": "b"}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"A":"b"}`, string(v.([]byte)))
}

func TestSecretStringRedaction(t *testing.T) {
	s := SecretString("postgres://user:pw@db/turfwar")

	assert.Equal(t, redactedPlaceholder, s.String())
	assert.Equal(t, redactedPlaceholder, fmt.Sprintf("%v", s))

	b, err := json.Marshal(struct{ DSN SecretString }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "pw@db")
	assert.Equal(t, "postgres://user:pw@db/turfwar", s.Unmask())
}

func TestContextValues(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Empty(t, GetRequestID(context.Background()))

	fallback := slog.Default()
	assert.Same(t, fallback, LoggerFromContext(context.Background(), fallback))

	scoped := slog.Default().With("run_id", "abc")
	assert.Same(t, scoped, LoggerFromContext(WithLogger(ctx, scoped), fallback))
}
