// Package encode builds locally-originated packets: a random-hop submission
// that wraps a plaintext payload for a randomly chosen exit peer, and a
// dummy packet indistinguishable from real traffic on the wire. The
// "build each layer, then assemble in order" construction sequence follows
// the onion-construction reference surveyed in other_examples/onion.go,
// adapted from Sphinx's per-layer crypto to this format's fixed-size 3DES
// layers.
package encode

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"mix-remailer/internal/chain"
	"mix-remailer/internal/errs"
	"mix-remailer/internal/keyformat"
	"mix-remailer/internal/packet"
	"mix-remailer/internal/pubring"
	"mix-remailer/internal/threedes"
	"mix-remailer/internal/timing"
)

const (
	armorBegin   = "-----BEGIN REMAILER MESSAGE-----"
	armorEnd     = "-----END REMAILER MESSAGE-----"
	armorBanner  = "Remailer-Type: Mixmaster"
	armorColumns = 40
)

// ChainSelector is the subset of chain.Selector the encoder needs.
type ChainSelector interface {
	RandomExit() (pubring.Peer, error)
}

// KeySource is the subset of pubring.Ring the encoder needs to RSA-wrap a
// fresh session key under a peer's public key.
type KeySource interface {
	PublicKeyWire(id keyformat.KeyID) ([]byte, bool)
}

// Email is an outbound message ready for the Pool: a recipient address and
// the fully armored packet body.
type Email struct {
	To   string
	Body string
}

// Encoder builds random-hop and dummy packets.
type Encoder struct {
	Chain ChainSelector
	Keys  KeySource
}

func New(chain ChainSelector, keys KeySource) *Encoder {
	return &Encoder{Chain: chain, Keys: keys}
}

// RandomHop wraps plaintextPayload as a Type-1 (final) packet addressed to a
// randomly chosen exit peer and returns the armored email ready for Pool
// deposit.
func (e *Encoder) RandomHop(plaintextPayload [packet.PayloadSize]byte) (Email, error) {
	exit, err := e.Chain.RandomExit()
	if err != nil {
		return Email{}, fmt.Errorf("encode: choosing exit peer: %w", err)
	}

	pubWire, ok := e.Keys.PublicKeyWire(exit.KeyID)
	if !ok {
		return Email{}, errs.New(errs.UnknownRecipient, fmt.Errorf("no public key on file for exit peer %s", exit.ShortName))
	}
	pub, err := keyformat.DecodePublic(pubWire)
	if err != nil {
		return Email{}, fmt.Errorf("encode: decoding exit peer key: %w", err)
	}

	var packetID [16]byte
	if _, err := rand.Read(packetID[:]); err != nil {
		return Email{}, fmt.Errorf("encode: generating packet-id: %w", err)
	}
	var messageID [16]byte
	if _, err := rand.Read(messageID[:]); err != nil {
		return Email{}, fmt.Errorf("encode: generating message-id: %w", err)
	}

	bodyKey, bodyIV, err := threedes.NewSessionKey()
	if err != nil {
		return Email{}, fmt.Errorf("encode: generating body key: %w", err)
	}

	inner := packet.InnerHeader{
		PacketID:  packetID,
		BodyKey:   bodyKey,
		Type:      packet.TypeFinal,
		Timestamp: timing.Now(),
		Final:     packet.FinalInfo{MessageID: messageID, BodyIV: bodyIV},
	}
	innerBytes, err := inner.Encode()
	if err != nil {
		return Email{}, fmt.Errorf("encode: building inner header: %w", err)
	}

	sessionKey, outerIV, err := threedes.NewSessionKey()
	if err != nil {
		return Email{}, fmt.Errorf("encode: generating session key: %w", err)
	}
	encryptedInner, err := threedes.EncryptCBC(sessionKey, outerIV, innerBytes[:])
	if err != nil {
		return Email{}, fmt.Errorf("encode: encrypting inner header: %w", err)
	}
	sessionCipher, err := threedes.WrapSessionKey(pub, sessionKey)
	if err != nil {
		return Email{}, fmt.Errorf("encode: wrapping session key: %w", err)
	}

	var outer packet.OuterHeader
	outer.KeyID = exit.KeyID
	copy(outer.SessionCipher[:], sessionCipher)
	outer.IV = outerIV
	copy(outer.EncryptedInner[:], encryptedInner)
	outerBytes, err := outer.Encode()
	if err != nil {
		return Email{}, fmt.Errorf("encode: serializing outer header: %w", err)
	}

	// The remaining 19 header slots carry no onward routing at a single-hop
	// submission, so they are filled with CSPRNG bytes rather than a
	// decryptable stack, matching step 4 of the construction contract.
	var randomHeaders [packet.HeaderStackSize - packet.HeaderSlotSize]byte
	if _, err := rand.Read(randomHeaders[:]); err != nil {
		return Email{}, fmt.Errorf("encode: generating random header padding: %w", err)
	}

	// The recipient decrypts slots 1..19 and the payload as one CBC stream
	// under bodyIV, so the payload's first block chains from the last random
	// header block rather than from bodyIV itself.
	var payloadIV [threedes.IVSize]byte
	copy(payloadIV[:], randomHeaders[len(randomHeaders)-threedes.IVSize:])
	payloadCipher, err := threedes.EncryptCBC(bodyKey, payloadIV, plaintextPayload[:])
	if err != nil {
		return Email{}, fmt.Errorf("encode: encrypting payload: %w", err)
	}

	var pkt packet.Packet
	pkt.Headers[0] = outerBytes
	for i := 1; i < packet.NumHeaderSlots; i++ {
		off := (i - 1) * packet.HeaderSlotSize
		copy(pkt.Headers[i][:], randomHeaders[off:off+packet.HeaderSlotSize])
	}
	copy(pkt.Payload[:], payloadCipher)

	return Email{To: exit.Email, Body: Armor(pkt)}, nil
}

// Dummy builds a random-hop packet whose payload is the null dummy marker,
// so the network sees indistinguishable cover traffic.
func (e *Encoder) Dummy() (Email, error) {
	var null packet.FinalPayload
	payload, err := null.Encode()
	if err != nil {
		return Email{}, fmt.Errorf("encode: building dummy payload: %w", err)
	}
	return e.RandomHop(payload)
}

// Armor base64-encodes pkt, wraps it at armorColumns, and surrounds it with
// the remailer message armor and type banner.
func Armor(pkt packet.Packet) string {
	encoded := base64.StdEncoding.EncodeToString(pkt.Bytes())

	var b strings.Builder
	b.WriteString(armorBanner)
	b.WriteString("\n\n")
	b.WriteString(armorBegin)
	b.WriteString("\n")
	for i := 0; i < len(encoded); i += armorColumns {
		end := i + armorColumns
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
		b.WriteString("\n")
	}
	b.WriteString(armorEnd)
	b.WriteString("\n")
	return b.String()
}

// ensure chain.Selector satisfies ChainSelector at compile time.
var _ ChainSelector = (*chain.Selector)(nil)
