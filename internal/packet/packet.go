// Package packet implements the fixed byte layouts of the wire packet: the
// outer header slot, the inner header, and the final-hop payload framing.
// This package is pure encode/decode — no cryptography and no I/O — mirroring
// how the onion construction in the routing reference pack keeps layout
// (Serialize/DeserializeOnion) separate from the Sphinx crypto that fills it.
package packet

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"mix-remailer/internal/errs"
	"mix-remailer/internal/timing"
)

// Fixed sizes from the wire layout.
const (
	HeaderSlotSize  = 512
	NumHeaderSlots  = 20
	HeaderStackSize = HeaderSlotSize * NumHeaderSlots // 10,240
	PayloadSize     = 10240
	PacketSize      = HeaderStackSize + PayloadSize // 20,480

	InnerHeaderSize = 328

	keyIDFieldSize     = 16
	rsaCipherLenByte   = 1
	rsaCiphertextSize  = 128
	outerIVSize        = 8
	encryptedInnerSize = InnerHeaderSize
	outerPaddingSize   = 31

	packetIDSize  = 16
	bodyKeySize   = 24
	typeByteSize  = 1
	timestampSize = 7
	md5Size       = md5.Size
)

func init() {
	const outerTotal = keyIDFieldSize + rsaCipherLenByte + rsaCiphertextSize + outerIVSize + encryptedInnerSize + outerPaddingSize
	if outerTotal != HeaderSlotSize {
		panic("packet: outer header layout does not sum to 512 bytes")
	}
}

// timestampSig is the fixed 5-byte signature preceding the epoch-days field.
var timestampSig = [5]byte{0x30, 0x30, 0x30, 0x30, 0x00}

// PacketType is the inner-header type tag.
type PacketType byte

const (
	TypeIntermediate PacketType = 0
	TypeFinal        PacketType = 1
	TypePartial      PacketType = 2
)

func (t PacketType) infoSize() (int, bool) {
	switch t {
	case TypeIntermediate:
		return 42, true // 16 next key-id + 8 iv + 16 md5 + 2 reserved
	case TypeFinal:
		return 24, true // 16 message-id + 8 iv
	case TypePartial:
		return 26, true // 16 chunk-id + 1 index + 1 total + 8 iv
	default:
		return 0, false
	}
}

// IntermediateInfo is the type-0 type-specific info block.
type IntermediateInfo struct {
	NextKeyID     [16]byte
	NextIV        [8]byte
	NextHeaderMD5 [16]byte
	Reserved      [2]byte // opaque pass-through, zeroed on encode, never interpreted
}

func (i IntermediateInfo) encode() []byte {
	buf := make([]byte, 42)
	copy(buf[0:16], i.NextKeyID[:])
	copy(buf[16:24], i.NextIV[:])
	copy(buf[24:40], i.NextHeaderMD5[:])
	copy(buf[40:42], i.Reserved[:])
	return buf
}

func decodeIntermediateInfo(raw []byte) IntermediateInfo {
	var i IntermediateInfo
	copy(i.NextKeyID[:], raw[0:16])
	copy(i.NextIV[:], raw[16:24])
	copy(i.NextHeaderMD5[:], raw[24:40])
	copy(i.Reserved[:], raw[40:42])
	return i
}

// FinalInfo is the type-1 type-specific info block.
type FinalInfo struct {
	MessageID [16]byte
	BodyIV    [8]byte
}

func (i FinalInfo) encode() []byte {
	buf := make([]byte, 24)
	copy(buf[0:16], i.MessageID[:])
	copy(buf[16:24], i.BodyIV[:])
	return buf
}

func decodeFinalInfo(raw []byte) FinalInfo {
	var i FinalInfo
	copy(i.MessageID[:], raw[0:16])
	copy(i.BodyIV[:], raw[16:24])
	return i
}

// PartialInfo is the type-2 type-specific info block.
type PartialInfo struct {
	ChunkID    [16]byte
	ChunkIndex byte
	ChunkTotal byte
	BodyIV     [8]byte
}

func (i PartialInfo) encode() []byte {
	buf := make([]byte, 26)
	copy(buf[0:16], i.ChunkID[:])
	buf[16] = i.ChunkIndex
	buf[17] = i.ChunkTotal
	copy(buf[18:26], i.BodyIV[:])
	return buf
}

func decodePartialInfo(raw []byte) PartialInfo {
	var i PartialInfo
	copy(i.ChunkID[:], raw[0:16])
	i.ChunkIndex = raw[16]
	i.ChunkTotal = raw[17]
	copy(i.BodyIV[:], raw[18:26])
	return i
}

// InnerHeader is the plaintext structure recovered after 3DES-decrypting an
// outer header's encrypted inner-header field.
type InnerHeader struct {
	PacketID  [16]byte
	BodyKey   [24]byte
	Type      PacketType
	Timestamp timing.EpochDays

	Intermediate IntermediateInfo
	Final        FinalInfo
	Partial      PartialInfo
}

func (h InnerHeader) infoBytes() ([]byte, error) {
	switch h.Type {
	case TypeIntermediate:
		return h.Intermediate.encode(), nil
	case TypeFinal:
		return h.Final.encode(), nil
	case TypePartial:
		return h.Partial.encode(), nil
	default:
		return nil, errs.New(errs.BadPacketType, fmt.Errorf("unknown type %d", h.Type))
	}
}

// Encode serializes h into the fixed 328-byte inner header, padding the tail
// with CSPRNG bytes.
func (h InnerHeader) Encode() ([InnerHeaderSize]byte, error) {
	var out [InnerHeaderSize]byte

	info, err := h.infoBytes()
	if err != nil {
		return out, err
	}
	k := len(info)

	copy(out[0:16], h.PacketID[:])
	copy(out[16:40], h.BodyKey[:])
	out[40] = byte(h.Type)
	copy(out[41:41+k], info)

	tsOff := 41 + k
	copy(out[tsOff:tsOff+5], timestampSig[:])
	binary.LittleEndian.PutUint16(out[tsOff+5:tsOff+7], uint16(h.Timestamp))

	digestOff := tsOff + 7
	if digestOff != 48+k {
		return out, fmt.Errorf("packet: internal offset mismatch at digest (got %d, want %d)", digestOff, 48+k)
	}
	sum := md5.Sum(out[0:digestOff])
	copy(out[digestOff:digestOff+md5Size], sum[:])

	padOff := digestOff + md5Size
	if _, err := rand.Read(out[padOff:]); err != nil {
		return out, fmt.Errorf("packet: random padding: %w", err)
	}
	return out, nil
}

// DecodeInnerHeader parses and authenticates a 328-byte plaintext inner
// header, returning errs.AuthFailure on a digest mismatch.
func DecodeInnerHeader(raw [InnerHeaderSize]byte) (InnerHeader, error) {
	var h InnerHeader
	h.Type = PacketType(raw[40])
	k, ok := h.Type.infoSize()
	if !ok {
		return InnerHeader{}, errs.New(errs.BadPacketType, fmt.Errorf("unknown type %d", raw[40]))
	}

	copy(h.PacketID[:], raw[0:16])
	copy(h.BodyKey[:], raw[16:40])

	info := raw[41 : 41+k]
	switch h.Type {
	case TypeIntermediate:
		h.Intermediate = decodeIntermediateInfo(info)
	case TypeFinal:
		h.Final = decodeFinalInfo(info)
	case TypePartial:
		h.Partial = decodePartialInfo(info)
	}

	tsOff := 41 + k
	var sig [5]byte
	copy(sig[:], raw[tsOff:tsOff+5])
	if sig != timestampSig {
		return InnerHeader{}, errs.New(errs.BadPacketType, fmt.Errorf("bad timestamp signature"))
	}
	h.Timestamp = timing.EpochDays(binary.LittleEndian.Uint16(raw[tsOff+5 : tsOff+7]))

	digestOff := tsOff + 7
	want := raw[digestOff : digestOff+md5Size]
	got := md5.Sum(raw[0:digestOff])
	if !bytesEqual(got[:], want) {
		return InnerHeader{}, errs.New(errs.AuthFailure, fmt.Errorf("inner header digest mismatch"))
	}
	return h, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// OuterHeader is the raw (still-encrypted) content of header slot 0.
type OuterHeader struct {
	KeyID          [16]byte
	SessionCipher  [128]byte // RSA-PKCS#1v1.5 ciphertext of the body session key
	IV             [8]byte
	EncryptedInner [InnerHeaderSize]byte
}

// Encode serializes o into a 512-byte slot, setting the declared
// ciphertext-length byte to 128 and filling the trailing padding with
// CSPRNG bytes.
func (o OuterHeader) Encode() ([HeaderSlotSize]byte, error) {
	var out [HeaderSlotSize]byte
	copy(out[0:16], o.KeyID[:])
	out[16] = rsaCiphertextSize
	copy(out[17:17+rsaCiphertextSize], o.SessionCipher[:])
	copy(out[145:145+outerIVSize], o.IV[:])
	copy(out[153:153+encryptedInnerSize], o.EncryptedInner[:])
	if _, err := rand.Read(out[481:512]); err != nil {
		return out, fmt.Errorf("packet: random padding: %w", err)
	}
	return out, nil
}

// DecodeOuterHeader splits a 512-byte slot into its fields, validating the
// declared RSA ciphertext length.
func DecodeOuterHeader(slot [HeaderSlotSize]byte) (OuterHeader, error) {
	var o OuterHeader
	if slot[16] != rsaCiphertextSize {
		return o, errs.New(errs.LenMismatch, fmt.Errorf("rsa ciphertext length byte = %d, want %d", slot[16], rsaCiphertextSize))
	}
	copy(o.KeyID[:], slot[0:16])
	copy(o.SessionCipher[:], slot[17:17+rsaCiphertextSize])
	copy(o.IV[:], slot[145:145+outerIVSize])
	copy(o.EncryptedInner[:], slot[153:153+encryptedInnerSize])
	return o, nil
}

// Packet is the full 20,480-byte wire structure.
type Packet struct {
	Headers [NumHeaderSlots][HeaderSlotSize]byte
	Payload [PayloadSize]byte
}

// Bytes flattens p into the 20,480-byte wire form.
func (p Packet) Bytes() []byte {
	out := make([]byte, 0, PacketSize)
	for _, h := range p.Headers {
		out = append(out, h[:]...)
	}
	out = append(out, p.Payload[:]...)
	return out
}

// Parse reconstructs a Packet from exactly PacketSize bytes.
func Parse(raw []byte) (Packet, error) {
	var p Packet
	if len(raw) != PacketSize {
		return p, errs.New(errs.LenMismatch, fmt.Errorf("packet length = %d, want %d", len(raw), PacketSize))
	}
	for i := 0; i < NumHeaderSlots; i++ {
		copy(p.Headers[i][:], raw[i*HeaderSlotSize:(i+1)*HeaderSlotSize])
	}
	copy(p.Payload[:], raw[HeaderStackSize:])
	return p, nil
}

// ShiftForward consumes slot 0, shifts the remaining 19 slots up by one, and
// appends 512 bytes of CSPRNG padding at the tail, matching the per-hop
// transform described for intermediate forwarding.
func (p Packet) ShiftForward() (Packet, error) {
	var out Packet
	for i := 1; i < NumHeaderSlots; i++ {
		out.Headers[i-1] = p.Headers[i]
	}
	if _, err := rand.Read(out.Headers[NumHeaderSlots-1][:]); err != nil {
		return out, fmt.Errorf("packet: random tail slot: %w", err)
	}
	out.Payload = p.Payload
	return out, nil
}
