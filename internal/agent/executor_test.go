package agent

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExecutorSuccess(t *testing.T) {
	e := NewExecutor("", time.Minute, 0, zaptest.NewLogger(t))

	res, err := e.Run(context.Background(), "echo restarted; echo warn >&2")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "restarted\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)
	assert.False(t, res.FinishedAt.IsZero())
	assert.False(t, e.Busy())
}

func TestExecutorFailure(t *testing.T) {
	e := NewExecutor("/bin/sh", time.Minute, 0, zaptest.NewLogger(t))

	res, err := e.Run(context.Background(), "echo nope >&2; exit 3")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "nope\n", res.Stderr)
}

func TestExecutorTimeout(t *testing.T) {
	e := NewExecutor("/bin/sh", 100*time.Millisecond, 0, zaptest.NewLogger(t))

	start := time.Now()
	res, err := e.Run(context.Background(), "sleep 10")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Stderr, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecutorTruncatesOutput(t *testing.T) {
	e := NewExecutor("/bin/sh", time.Minute, 8, zaptest.NewLogger(t))

	res, err := e.Run(context.Background(), "echo 0123456789abcdef")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "01234567"+truncatedSuffix, res.Stdout)
}

func TestExecutorOneAtATime(t *testing.T) {
	e := NewExecutor("/bin/sh", time.Minute, 0, zaptest.NewLogger(t))

	require.True(t, e.TryAcquire())
	assert.True(t, e.Busy())

	_, err := e.Run(context.Background(), "true")
	assert.ErrorIs(t, err, ErrBusy)

	e.Release()
	_, err = e.Run(context.Background(), "true")
	assert.NoError(t, err)
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 5}

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n, "writes always report the full length")

	b.Write([]byte("ijk"))
	assert.Equal(t, "abcde"+truncatedSuffix, b.String())

	unlimited := &limitedBuffer{}
	unlimited.Write([]byte(strings.Repeat("x", 1000)))
	assert.Len(t, unlimited.String(), 1000)
}

func TestLimitedBufferKeepsRunesWhole(t *testing.T) {
	// "héllo" is 6 bytes; a 2-byte limit ends inside é
	b := &limitedBuffer{limit: 2}
	b.Write([]byte("héllo"))
	assert.Equal(t, "h"+truncatedSuffix, b.String())

	b = &limitedBuffer{limit: 3}
	b.Write([]byte("héllo"))
	assert.Equal(t, "hé"+truncatedSuffix, b.String())

	// a 4-byte rune cut after 2 bytes
	b = &limitedBuffer{limit: 3}
	b.Write([]byte("a🔥b"))
	assert.Equal(t, "a"+truncatedSuffix, b.String())
	assert.True(t, utf8.ValidString(b.String()))
}
