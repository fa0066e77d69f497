package replaylog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mix-remailer/internal/keyformat"
)

func TestPacketIDHexIsStableAndDistinct(t *testing.T) {
	var a, b keyformat.KeyID
	for i := range a {
		a[i] = byte(i)
	}
	for i := range b {
		b[i] = byte(i + 1)
	}

	require.Equal(t, packetIDHex(a), packetIDHex(a))
	require.Len(t, packetIDHex(a), 32)
	require.NotEqual(t, packetIDHex(a), packetIDHex(b))
}

func TestSeenPacketTableName(t *testing.T) {
	require.Equal(t, "replay_packets", seenPacket{}.TableName())
}
