package numeric

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatKnownNumeric(t *testing.T) {
	f, ok := Format(YourID)
	require.True(t, ok)
	require.Equal(t, ":%s 042 %s :Your unique ID is %s.", f)
}

func TestFormatUnknownNumeric(t *testing.T) {
	_, ok := Format(999)
	require.False(t, ok)
}
