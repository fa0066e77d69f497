package pubring

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"mix-remailer/internal/keyformat"
)

func testLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func writeEntry(buf *bytes.Buffer, shortName, email string, key *rsa.PublicKey, version, caps string, window *[2]string) keyformat.KeyID {
	wire := keyformat.EncodePublic(key)
	id, _ := keyformat.KeyIDOf(wire)

	if window != nil {
		fmt.Fprintf(buf, "%s %s %s %s %s %s %s\n", shortName, email, id.String(), version, caps, window[0], window[1])
	} else {
		fmt.Fprintf(buf, "%s %s %s %s %s\n", shortName, email, id.String(), version, caps)
	}
	fmt.Fprintf(buf, "%s\n", beginMarker)
	fmt.Fprintf(buf, "%s\n", id.String())
	fmt.Fprintf(buf, "%d\n", len(wire))
	fmt.Fprintf(buf, "%s\n", base64.StdEncoding.EncodeToString(wire))
	fmt.Fprintf(buf, "%s\n", endMarker)
	return id
}

func TestByNameAndByKeyID(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, keyformat.KeyBits)
	require.NoError(t, err)

	var buf bytes.Buffer
	id := writeEntry(&buf, "alice", "alice@example.com", &key.PublicKey, "2", CapabilityExit, nil)

	path := filepath.Join(t.TempDir(), "pubring.mix")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	ring, err := New(path, testLogger())
	require.NoError(t, err)

	p, ok := ring.ByName("alice")
	require.True(t, ok)
	require.Equal(t, "alice@example.com", p.Email)

	p2, ok := ring.ByKeyID(id)
	require.True(t, ok)
	require.Equal(t, p, p2)

	wire, ok := ring.PublicKeyWire(id)
	require.True(t, ok)
	require.Len(t, wire, keyformat.PublicSize)
}

func TestExpiredEntrySkipped(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, keyformat.KeyBits)
	require.NoError(t, err)

	past := [2]string{"2000-01-01", time.Now().Add(-24 * time.Hour).Format(dateLayout)}
	var buf bytes.Buffer
	writeEntry(&buf, "bob", "bob@example.com", &key.PublicKey, "2", CapabilityExit, &past)

	path := filepath.Join(t.TempDir(), "pubring.mix")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	ring, err := New(path, testLogger())
	require.NoError(t, err)

	_, ok := ring.ByName("bob")
	require.False(t, ok)
}

func TestRandomExitOnlyReturnsExitCapable(t *testing.T) {
	relay, err := rsa.GenerateKey(rand.Reader, keyformat.KeyBits)
	require.NoError(t, err)
	exit, err := rsa.GenerateKey(rand.Reader, keyformat.KeyBits)
	require.NoError(t, err)

	var buf bytes.Buffer
	writeEntry(&buf, "relay", "relay@example.com", &relay.PublicKey, "2", "M", nil)
	writeEntry(&buf, "exit", "exit@example.com", &exit.PublicKey, "2", CapabilityExit, nil)

	path := filepath.Join(t.TempDir(), "pubring.mix")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	ring, err := New(path, testLogger())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		p, ok := ring.RandomExit()
		require.True(t, ok)
		require.Equal(t, "exit", p.ShortName)
	}
}

func TestFormatBlockRoundTripsThroughNew(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, keyformat.KeyBits)
	require.NoError(t, err)
	wire := keyformat.EncodePublic(&key.PublicKey)

	block, err := FormatBlock("carol", "carol@example.com", wire, CapabilityExit)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pubring.mix")
	require.NoError(t, os.WriteFile(path, []byte(block), 0o644))

	ring, err := New(path, testLogger())
	require.NoError(t, err)

	p, ok := ring.ByName("carol")
	require.True(t, ok)
	require.Equal(t, "carol@example.com", p.Email)
	require.True(t, p.HasCapability(CapabilityExit))

	gotWire, ok := ring.PublicKeyWire(p.KeyID)
	require.True(t, ok)
	require.Equal(t, wire, gotWire)
}

func TestMalformedHeaderSkipsEntryButParsesRest(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, keyformat.KeyBits)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString("bad header line only two fields\n")
	buf.WriteString(beginMarker + "\n")
	buf.WriteString("deadbeef\n1\nAA==\n")
	buf.WriteString(endMarker + "\n")
	writeEntry(&buf, "good", "good@example.com", &key.PublicKey, "2", CapabilityExit, nil)

	path := filepath.Join(t.TempDir(), "pubring.mix")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	ring, err := New(path, testLogger())
	require.NoError(t, err)

	_, ok := ring.ByName("good")
	require.True(t, ok)
}
