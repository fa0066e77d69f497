// Package decode implements the inbound pipeline: strip the mail armor off a
// received message, peel one layer of packet encryption, authenticate and
// replay-check it, and classify the result into what the caller should do
// next (forward, deliver, hold a chunk, drop a dummy, or reroute a blocked
// destination). The branch-at-every-step structured logging this package
// expects from its caller follows the router's "log the decision at every
// branch" style in router.go.
package decode

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mix-remailer/internal/errs"
	"mix-remailer/internal/keyformat"
	"mix-remailer/internal/packet"
	"mix-remailer/internal/pubring"
	"mix-remailer/internal/threedes"
	"mix-remailer/internal/timing"
)

const (
	armorBegin = "-----BEGIN REMAILER MESSAGE-----"
	armorEnd   = "-----END REMAILER MESSAGE-----"
)

// SecretKeyStore is the subset of secretstore.Store the decoder needs.
type SecretKeyStore interface {
	Lookup(id keyformat.KeyID) (*rsa.PrivateKey, bool)
}

// ReplayLog is the subset of replaylog.Log the decoder needs. Insert must
// perform its contains-check and insert atomically and return an error
// satisfying errs.Of(err) == (errs.Replay, true) when id was already present.
type ReplayLog interface {
	Insert(ctx context.Context, id keyformat.KeyID, seenAt time.Time) error
}

// ChunkStore is the subset of chunkstore.Store the decoder needs.
type ChunkStore interface {
	Accept(ctx context.Context, chunkID string, index, total byte, data []byte) ([]byte, bool, error)
}

// PeerResolver is the subset of pubring.Ring the decoder needs to turn a
// next-hop Key-ID into a deliverable email address.
type PeerResolver interface {
	ByKeyID(id keyformat.KeyID) (pubring.Peer, bool)
}

// ResultKind tags what classify_and_route decided to do with a packet.
type ResultKind int

const (
	ResultForward ResultKind = iota
	ResultDeliver
	ResultChunkPending
	ResultDummy
	ResultBlocked
)

// Result is the outcome of decoding and classifying one packet.
type Result struct {
	Kind ResultKind

	// Set when Kind == ResultForward.
	NextHopEmail  string
	ForwardPacket packet.Packet

	// Set when Kind == ResultDeliver or ResultBlocked.
	Recipients  []string
	HeaderLines []string
	Body        []byte

	// Set when Kind == ResultBlocked: the subset of Recipients that matched
	// the deny list, so the caller can decide whether to drop the whole
	// message or re-encode it through the random-hop path.
	BlockedRecipients []string

	// Reassembled is true when this Result was produced by the chunk store
	// completing a multi-part set, as opposed to a single-packet message.
	Reassembled bool
}

// Decrypted is the plaintext state recovered from one packet's outer layer,
// the input to ClassifyAndRoute.
type Decrypted struct {
	Inner            packet.InnerHeader
	RemainingHeaders [packet.HeaderStackSize - packet.HeaderSlotSize]byte
	Payload          [packet.PayloadSize]byte
}

// Decoder peels and classifies packets against a node's local key material.
type Decoder struct {
	Keys     SecretKeyStore
	Replay   ReplayLog
	Chunks   ChunkStore
	Peers    PeerResolver
	Window   timing.Window
	DenyList map[string]bool
	Log      *logrus.Entry
}

// New constructs a Decoder. denyList entries are lower-cased recipient
// addresses the operator refuses to deliver to directly.
func New(keys SecretKeyStore, replay ReplayLog, chunks ChunkStore, peers PeerResolver, window timing.Window, denyList []string, log *logrus.Entry) *Decoder {
	deny := make(map[string]bool, len(denyList))
	for _, addr := range denyList {
		deny[strings.ToLower(addr)] = true
	}
	return &Decoder{Keys: keys, Replay: replay, Chunks: chunks, Peers: peers, Window: window, DenyList: deny, Log: log}
}

// EmailToPacket strips the remailer message armor, base64-decodes the body,
// and asserts the decoded length is exactly one packet.
func EmailToPacket(raw string) (packet.Packet, error) {
	body, err := stripArmor(raw)
	if err != nil {
		return packet.Packet{}, err
	}
	decoded, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return packet.Packet{}, errs.New(errs.MalformedArmor, fmt.Errorf("base64 decode: %w", err))
	}
	return packet.Parse(decoded)
}

func stripArmor(raw string) (string, error) {
	start := strings.Index(raw, armorBegin)
	if start < 0 {
		return "", errs.New(errs.MalformedArmor, fmt.Errorf("missing %q", armorBegin))
	}
	rest := raw[start+len(armorBegin):]
	end := strings.Index(rest, armorEnd)
	if end < 0 {
		return "", errs.New(errs.MalformedArmor, fmt.Errorf("missing %q", armorEnd))
	}
	return strings.TrimSpace(rest[:end]), nil
}

// Decrypt peels the outer layer of pkt: resolves the recipient secret key,
// unwraps the session key, decrypts and authenticates the inner header,
// enforces the replay and timestamp invariants, and decrypts the remaining
// header stack and payload under the body key.
func (d *Decoder) Decrypt(ctx context.Context, pkt packet.Packet) (Decrypted, error) {
	var out Decrypted

	outer, err := packet.DecodeOuterHeader(pkt.Headers[0])
	if err != nil {
		return out, err
	}

	priv, ok := d.Keys.Lookup(keyformat.KeyID(outer.KeyID))
	if !ok {
		return out, errs.New(errs.UnknownRecipient, fmt.Errorf("no local secret key for key-id %x", outer.KeyID))
	}

	sessionKey, err := threedes.UnwrapSessionKey(priv, outer.SessionCipher[:])
	if err != nil {
		return out, errs.New(errs.AuthFailure, fmt.Errorf("unwrapping session key: %w", err))
	}

	innerPlain, err := threedes.DecryptCBC(sessionKey, outer.IV, outer.EncryptedInner[:])
	if err != nil {
		return out, fmt.Errorf("decode: decrypting inner header: %w", err)
	}
	var innerArr [packet.InnerHeaderSize]byte
	copy(innerArr[:], innerPlain)

	inner, err := packet.DecodeInnerHeader(innerArr)
	if err != nil {
		return out, err
	}

	if !d.Window.InWindow(inner.Timestamp, time.Now().UTC()) {
		return out, errs.New(errs.Stale, fmt.Errorf("packet timestamp %s outside acceptance window", inner.Timestamp.Time()))
	}

	if err := d.Replay.Insert(ctx, inner.PacketID, time.Now().UTC()); err != nil {
		return out, err
	}

	bodyIV := bodyIVFor(inner)
	var rest []byte
	for i := 1; i < packet.NumHeaderSlots; i++ {
		rest = append(rest, pkt.Headers[i][:]...)
	}
	rest = append(rest, pkt.Payload[:]...)

	bodyPlain, err := threedes.DecryptCBC(inner.BodyKey, bodyIV, rest)
	if err != nil {
		return out, fmt.Errorf("decode: decrypting body: %w", err)
	}

	out.Inner = inner
	copy(out.RemainingHeaders[:], bodyPlain[:len(out.RemainingHeaders)])
	copy(out.Payload[:], bodyPlain[len(out.RemainingHeaders):])
	return out, nil
}

// bodyIVFor returns the IV the inner header's type-specific info carries for
// decrypting the remaining header stack and payload.
func bodyIVFor(inner packet.InnerHeader) [threedes.IVSize]byte {
	switch inner.Type {
	case packet.TypeIntermediate:
		return inner.Intermediate.NextIV
	case packet.TypeFinal:
		return inner.Final.BodyIV
	case packet.TypePartial:
		return inner.Partial.BodyIV
	default:
		return [threedes.IVSize]byte{}
	}
}

// ClassifyAndRoute decides what to do with an already-decrypted packet.
func (d *Decoder) ClassifyAndRoute(ctx context.Context, dec Decrypted) (Result, error) {
	switch dec.Inner.Type {
	case packet.TypeIntermediate:
		return d.classifyIntermediate(dec)
	case packet.TypeFinal:
		payload, err := packet.DecodeFinalPayload(dec.Payload)
		if err != nil {
			return Result{}, err
		}
		return d.classifyFinal(payload)
	case packet.TypePartial:
		return d.classifyPartial(ctx, dec)
	default:
		return Result{}, errs.New(errs.BadPacketType, fmt.Errorf("unknown inner header type %d", dec.Inner.Type))
	}
}

func (d *Decoder) classifyIntermediate(dec Decrypted) (Result, error) {
	next, ok := d.Peers.ByKeyID(dec.Inner.Intermediate.NextKeyID)
	if !ok {
		return Result{}, errs.New(errs.UnknownRecipient, fmt.Errorf("next hop key-id %x not in public keyring", dec.Inner.Intermediate.NextKeyID))
	}

	// placeholder.Headers[0] is never read: ShiftForward drops it, leaving
	// the decrypted slots 1..19 shifted down to 0..18 with a fresh random
	// slot appended, which is exactly the next hop's header stack.
	var placeholder packet.Packet
	for i := 0; i < packet.NumHeaderSlots-1; i++ {
		off := i * packet.HeaderSlotSize
		copy(placeholder.Headers[i+1][:], dec.RemainingHeaders[off:off+packet.HeaderSlotSize])
	}
	placeholder.Payload = dec.Payload

	forward, err := placeholder.ShiftForward()
	if err != nil {
		return Result{}, fmt.Errorf("decode: building forward packet: %w", err)
	}

	return Result{Kind: ResultForward, NextHopEmail: next.Email, ForwardPacket: forward}, nil
}

func (d *Decoder) classifyFinal(payload packet.FinalPayload) (Result, error) {
	if payload.IsDummy() {
		return Result{}, errs.New(errs.DummyDrop, fmt.Errorf("final payload is the null dummy marker"))
	}

	var blocked []string
	for _, r := range payload.Recipients {
		if d.DenyList[strings.ToLower(r)] {
			blocked = append(blocked, r)
		}
	}
	if len(blocked) > 0 {
		return Result{
			Kind:              ResultBlocked,
			Recipients:        payload.Recipients,
			HeaderLines:       payload.HeaderLines,
			Body:              payload.Body,
			BlockedRecipients: blocked,
		}, nil
	}

	return Result{
		Kind:        ResultDeliver,
		Recipients:  payload.Recipients,
		HeaderLines: payload.HeaderLines,
		Body:        payload.Body,
	}, nil
}

func (d *Decoder) classifyPartial(ctx context.Context, dec Decrypted) (Result, error) {
	p := dec.Inner.Partial
	chunkID := fmt.Sprintf("%x", p.ChunkID)

	assembled, complete, err := d.Chunks.Accept(ctx, chunkID, p.ChunkIndex, p.ChunkTotal, dec.Payload[:])
	if err != nil {
		return Result{}, fmt.Errorf("decode: accepting chunk %s: %w", chunkID, err)
	}
	if !complete {
		return Result{Kind: ResultChunkPending}, nil
	}

	payload, err := packet.DecodeFinalPayloadBytes(assembled)
	if err != nil {
		return Result{}, err
	}
	result, err := d.classifyFinal(payload)
	if err != nil {
		return Result{}, err
	}
	result.Reassembled = true
	return result, nil
}
