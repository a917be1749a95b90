package offline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":   512,
		"64kb":  64 * 1024,
		"1.5m":  1536 * 1024,
		"2GB":   2 * 1024 * 1024 * 1024,
		" 10 b": 10,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "b", "-1kb", "lots"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "900b", formatBytes(900))
	assert.Equal(t, "2kb", formatBytes(2048))
	assert.Equal(t, "1.5mb", formatBytes(1536*1024))
	assert.Equal(t, "3gb", formatBytes(3*1024*1024*1024))
}
