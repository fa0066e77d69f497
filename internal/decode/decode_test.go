package decode

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"mix-remailer/internal/errs"
	"mix-remailer/internal/keyformat"
	"mix-remailer/internal/packet"
	"mix-remailer/internal/pubring"
	"mix-remailer/internal/threedes"
	"mix-remailer/internal/timing"
)

// --- fakes -----------------------------------------------------------------

type fakeKeys struct {
	byID map[keyformat.KeyID]*rsa.PrivateKey
}

func (f *fakeKeys) Lookup(id keyformat.KeyID) (*rsa.PrivateKey, bool) {
	k, ok := f.byID[id]
	return k, ok
}

type fakeReplay struct {
	mu   sync.Mutex
	seen map[keyformat.KeyID]bool
}

func newFakeReplay() *fakeReplay {
	return &fakeReplay{seen: map[keyformat.KeyID]bool{}}
}

func (f *fakeReplay) Insert(ctx context.Context, id keyformat.KeyID, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[id] {
		return errs.New(errs.Replay, nil)
	}
	f.seen[id] = true
	return nil
}

type fakeChunks struct {
	parts map[string]map[byte][]byte
	total map[string]byte
}

func newFakeChunks() *fakeChunks {
	return &fakeChunks{parts: map[string]map[byte][]byte{}, total: map[string]byte{}}
}

func (f *fakeChunks) Accept(ctx context.Context, chunkID string, index, total byte, data []byte) ([]byte, bool, error) {
	if f.parts[chunkID] == nil {
		f.parts[chunkID] = map[byte][]byte{}
	}
	f.parts[chunkID][index] = append([]byte(nil), data...)
	f.total[chunkID] = total
	if byte(len(f.parts[chunkID])) < total {
		return nil, false, nil
	}
	var out []byte
	for i := byte(0); i < total; i++ {
		out = append(out, f.parts[chunkID][i]...)
	}
	return out, true, nil
}

type fakePeers struct {
	byID map[keyformat.KeyID]pubring.Peer
}

func (f *fakePeers) ByKeyID(id keyformat.KeyID) (pubring.Peer, bool) {
	p, ok := f.byID[id]
	return p, ok
}

// --- packet construction helper ---------------------------------------------

// buildPacket assembles a full wire packet the way an encoder would: it
// RSA-wraps a fresh session key under pub, 3DES-encrypts the inner header,
// then 3DES-encrypts the remaining header stack plus payload under the
// inner header's body key and IV.
func buildPacket(t *testing.T, pub *rsa.PublicKey, inner packet.InnerHeader, bodyIV [8]byte, remainingPlain [packet.HeaderStackSize - packet.HeaderSlotSize]byte, payloadPlain [packet.PayloadSize]byte) packet.Packet {
	t.Helper()

	sessionKey, outerIV, err := threedes.NewSessionKey()
	require.NoError(t, err)

	innerBytes, err := inner.Encode()
	require.NoError(t, err)

	encryptedInner, err := threedes.EncryptCBC(sessionKey, outerIV, innerBytes[:])
	require.NoError(t, err)

	sessionCipher, err := threedes.WrapSessionKey(pub, sessionKey)
	require.NoError(t, err)

	keyID, err := keyformat.KeyIDOf(keyformat.EncodePublic(pub))
	require.NoError(t, err)

	var outer packet.OuterHeader
	outer.KeyID = keyID
	copy(outer.SessionCipher[:], sessionCipher)
	outer.IV = outerIV
	copy(outer.EncryptedInner[:], encryptedInner)

	outerBytes, err := outer.Encode()
	require.NoError(t, err)

	bodyPlain := append(append([]byte(nil), remainingPlain[:]...), payloadPlain[:]...)
	bodyCipher, err := threedes.EncryptCBC(inner.BodyKey, bodyIV, bodyPlain)
	require.NoError(t, err)

	var p packet.Packet
	p.Headers[0] = outerBytes
	for i := 1; i < packet.NumHeaderSlots; i++ {
		off := (i - 1) * packet.HeaderSlotSize
		copy(p.Headers[i][:], bodyCipher[off:off+packet.HeaderSlotSize])
	}
	copy(p.Payload[:], bodyCipher[len(remainingPlain):])
	return p
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// --- tests -------------------------------------------------------------------

func TestDecodeFinalDelivers(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	bodyKey, bodyIV, err := threedes.NewSessionKey()
	require.NoError(t, err)

	payload := packet.FinalPayload{Recipients: []string{"alice@example.com"}, HeaderLines: []string{"Subject: hi"}, Body: []byte("hello")}
	payloadBytes, err := payload.Encode()
	require.NoError(t, err)

	inner := packet.InnerHeader{
		PacketID:  [16]byte{1, 2, 3},
		BodyKey:   bodyKey,
		Type:      packet.TypeFinal,
		Timestamp: timing.Now(),
		Final:     packet.FinalInfo{MessageID: [16]byte{9}, BodyIV: bodyIV},
	}

	var remaining [packet.HeaderStackSize - packet.HeaderSlotSize]byte
	pkt := buildPacket(t, &priv.PublicKey, inner, bodyIV, remaining, payloadBytes)

	keyID, err := keyformat.KeyIDOf(keyformat.EncodePublic(&priv.PublicKey))
	require.NoError(t, err)

	d := New(&fakeKeys{byID: map[keyformat.KeyID]*rsa.PrivateKey{keyID: priv}}, newFakeReplay(), newFakeChunks(), &fakePeers{}, timing.DefaultWindow(), nil, testLog())

	dec, err := d.Decrypt(context.Background(), pkt)
	require.NoError(t, err)

	res, err := d.ClassifyAndRoute(context.Background(), dec)
	require.NoError(t, err)
	require.Equal(t, ResultDeliver, res.Kind)
	require.Equal(t, []string{"alice@example.com"}, res.Recipients)
	require.Equal(t, []byte("hello"), res.Body)
}

func TestDecodeRejectsReplay(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	bodyKey, bodyIV, err := threedes.NewSessionKey()
	require.NoError(t, err)

	payload := packet.FinalPayload{Recipients: []string{"alice@example.com"}, Body: []byte("x")}
	payloadBytes, err := payload.Encode()
	require.NoError(t, err)

	inner := packet.InnerHeader{
		PacketID:  [16]byte{5, 5, 5},
		BodyKey:   bodyKey,
		Type:      packet.TypeFinal,
		Timestamp: timing.Now(),
		Final:     packet.FinalInfo{BodyIV: bodyIV},
	}

	var remaining [packet.HeaderStackSize - packet.HeaderSlotSize]byte
	pkt := buildPacket(t, &priv.PublicKey, inner, bodyIV, remaining, payloadBytes)

	keyID, err := keyformat.KeyIDOf(keyformat.EncodePublic(&priv.PublicKey))
	require.NoError(t, err)

	replay := newFakeReplay()
	d := New(&fakeKeys{byID: map[keyformat.KeyID]*rsa.PrivateKey{keyID: priv}}, replay, newFakeChunks(), &fakePeers{}, timing.DefaultWindow(), nil, testLog())

	_, err = d.Decrypt(context.Background(), pkt)
	require.NoError(t, err)

	_, err = d.Decrypt(context.Background(), pkt)
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	require.Equal(t, errs.Replay, kind)
}

func TestDecodeRejectsStale(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	bodyKey, bodyIV, err := threedes.NewSessionKey()
	require.NoError(t, err)

	payload := packet.FinalPayload{Recipients: []string{"alice@example.com"}, Body: []byte("x")}
	payloadBytes, err := payload.Encode()
	require.NoError(t, err)

	inner := packet.InnerHeader{
		PacketID:  [16]byte{6, 6, 6},
		BodyKey:   bodyKey,
		Type:      packet.TypeFinal,
		Timestamp: timing.EpochDays(0),
		Final:     packet.FinalInfo{BodyIV: bodyIV},
	}

	var remaining [packet.HeaderStackSize - packet.HeaderSlotSize]byte
	pkt := buildPacket(t, &priv.PublicKey, inner, bodyIV, remaining, payloadBytes)

	keyID, err := keyformat.KeyIDOf(keyformat.EncodePublic(&priv.PublicKey))
	require.NoError(t, err)

	d := New(&fakeKeys{byID: map[keyformat.KeyID]*rsa.PrivateKey{keyID: priv}}, newFakeReplay(), newFakeChunks(), &fakePeers{}, timing.DefaultWindow(), nil, testLog())

	_, err = d.Decrypt(context.Background(), pkt)
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	require.Equal(t, errs.Stale, kind)
}

func TestDecodeDummyDrop(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	bodyKey, bodyIV, err := threedes.NewSessionKey()
	require.NoError(t, err)

	var dummy packet.FinalPayload
	payloadBytes, err := dummy.Encode()
	require.NoError(t, err)

	inner := packet.InnerHeader{
		PacketID:  [16]byte{7},
		BodyKey:   bodyKey,
		Type:      packet.TypeFinal,
		Timestamp: timing.Now(),
		Final:     packet.FinalInfo{BodyIV: bodyIV},
	}

	var remaining [packet.HeaderStackSize - packet.HeaderSlotSize]byte
	pkt := buildPacket(t, &priv.PublicKey, inner, bodyIV, remaining, payloadBytes)

	keyID, err := keyformat.KeyIDOf(keyformat.EncodePublic(&priv.PublicKey))
	require.NoError(t, err)

	d := New(&fakeKeys{byID: map[keyformat.KeyID]*rsa.PrivateKey{keyID: priv}}, newFakeReplay(), newFakeChunks(), &fakePeers{}, timing.DefaultWindow(), nil, testLog())

	dec, err := d.Decrypt(context.Background(), pkt)
	require.NoError(t, err)

	_, err = d.ClassifyAndRoute(context.Background(), dec)
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	require.Equal(t, errs.DummyDrop, kind)
}

func TestDecodeBlockedDestination(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	bodyKey, bodyIV, err := threedes.NewSessionKey()
	require.NoError(t, err)

	payload := packet.FinalPayload{Recipients: []string{"spam@example.com"}, Body: []byte("x")}
	payloadBytes, err := payload.Encode()
	require.NoError(t, err)

	inner := packet.InnerHeader{
		PacketID:  [16]byte{8},
		BodyKey:   bodyKey,
		Type:      packet.TypeFinal,
		Timestamp: timing.Now(),
		Final:     packet.FinalInfo{BodyIV: bodyIV},
	}

	var remaining [packet.HeaderStackSize - packet.HeaderSlotSize]byte
	pkt := buildPacket(t, &priv.PublicKey, inner, bodyIV, remaining, payloadBytes)

	keyID, err := keyformat.KeyIDOf(keyformat.EncodePublic(&priv.PublicKey))
	require.NoError(t, err)

	d := New(&fakeKeys{byID: map[keyformat.KeyID]*rsa.PrivateKey{keyID: priv}}, newFakeReplay(), newFakeChunks(), &fakePeers{}, timing.DefaultWindow(), []string{"spam@example.com"}, testLog())

	dec, err := d.Decrypt(context.Background(), pkt)
	require.NoError(t, err)

	res, err := d.ClassifyAndRoute(context.Background(), dec)
	require.NoError(t, err)
	require.Equal(t, ResultBlocked, res.Kind)
	require.Equal(t, []string{"spam@example.com"}, res.BlockedRecipients)
}

func TestDecodeIntermediateForwards(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	bodyKey, bodyIV, err := threedes.NewSessionKey()
	require.NoError(t, err)

	nextKeyID := keyformat.KeyID{9, 9, 9}

	inner := packet.InnerHeader{
		PacketID:  [16]byte{10},
		BodyKey:   bodyKey,
		Type:      packet.TypeIntermediate,
		Timestamp: timing.Now(),
		Intermediate: packet.IntermediateInfo{
			NextKeyID: nextKeyID,
			NextIV:    bodyIV,
		},
	}

	var remaining [packet.HeaderStackSize - packet.HeaderSlotSize]byte
	_, err = rand.Read(remaining[:])
	require.NoError(t, err)
	var payloadPlain [packet.PayloadSize]byte
	_, err = rand.Read(payloadPlain[:])
	require.NoError(t, err)

	pkt := buildPacket(t, &priv.PublicKey, inner, bodyIV, remaining, payloadPlain)

	keyID, err := keyformat.KeyIDOf(keyformat.EncodePublic(&priv.PublicKey))
	require.NoError(t, err)

	peers := &fakePeers{byID: map[keyformat.KeyID]pubring.Peer{
		nextKeyID: {ShortName: "next", Email: "next@example.com", KeyID: nextKeyID},
	}}

	d := New(&fakeKeys{byID: map[keyformat.KeyID]*rsa.PrivateKey{keyID: priv}}, newFakeReplay(), newFakeChunks(), peers, timing.DefaultWindow(), nil, testLog())

	dec, err := d.Decrypt(context.Background(), pkt)
	require.NoError(t, err)

	res, err := d.ClassifyAndRoute(context.Background(), dec)
	require.NoError(t, err)
	require.Equal(t, ResultForward, res.Kind)
	require.Equal(t, "next@example.com", res.NextHopEmail)
	require.Equal(t, remaining[0:packet.HeaderSlotSize], res.ForwardPacket.Headers[0][:])
}

// buildFramedPayload hand-builds the length-prefixed recipient/header/body
// framing directly (rather than through packet.FinalPayload.Encode, which
// caps total size at one PayloadSize) so the result can span more than one
// chunk, exercising the partial-type reassembly path.
func buildFramedPayload(t *testing.T, recipient string, body []byte) []byte {
	t.Helper()
	recipients := make([]byte, 1+80)
	recipients[0] = 1
	copy(recipients[1:], recipient)
	headers := []byte{0}

	total := 4 + len(recipients) + len(headers) + len(body)
	raw := make([]byte, total)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(total))
	off := 4
	copy(raw[off:], recipients)
	off += len(recipients)
	copy(raw[off:], headers)
	off += len(headers)
	copy(raw[off:], body)
	return raw
}

func TestDecodePartialChunksAssembleAndDeliver(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	chunkID := [16]byte{11, 11, 11}

	body := bytes.Repeat([]byte("y"), 15000)
	framed := buildFramedPayload(t, "bob@example.com", body)
	require.Greater(t, len(framed), packet.PayloadSize)

	var chunk0, chunk1 [packet.PayloadSize]byte
	copy(chunk0[:], framed[:packet.PayloadSize])
	copy(chunk1[:], framed[packet.PayloadSize:])

	chunks := newFakeChunks()
	peers := &fakePeers{}
	replay := newFakeReplay()
	keyID, err := keyformat.KeyIDOf(keyformat.EncodePublic(&priv.PublicKey))
	require.NoError(t, err)
	keys := &fakeKeys{byID: map[keyformat.KeyID]*rsa.PrivateKey{keyID: priv}}

	d := New(keys, replay, chunks, peers, timing.DefaultWindow(), nil, testLog())

	payloads := [2][packet.PayloadSize]byte{chunk0, chunk1}

	var lastRes Result
	for idx := byte(0); idx < 2; idx++ {
		bodyKey, bodyIV, err := threedes.NewSessionKey()
		require.NoError(t, err)

		inner := packet.InnerHeader{
			PacketID:  [16]byte{20 + idx},
			BodyKey:   bodyKey,
			Type:      packet.TypePartial,
			Timestamp: timing.Now(),
			Partial:   packet.PartialInfo{ChunkID: chunkID, ChunkIndex: idx, ChunkTotal: 2, BodyIV: bodyIV},
		}

		var remaining [packet.HeaderStackSize - packet.HeaderSlotSize]byte
		pkt := buildPacket(t, &priv.PublicKey, inner, bodyIV, remaining, payloads[idx])
		dec, err := d.Decrypt(context.Background(), pkt)
		require.NoError(t, err)
		lastRes, err = d.ClassifyAndRoute(context.Background(), dec)
		require.NoError(t, err)
	}

	require.Equal(t, ResultDeliver, lastRes.Kind)
	require.Equal(t, []string{"bob@example.com"}, lastRes.Recipients)
	require.Equal(t, body, lastRes.Body)
}
