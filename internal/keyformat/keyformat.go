// Package keyformat serializes and parses the node's fixed 1024-bit RSA
// wire format: a little-endian length prefix followed by big-endian,
// fixed-width RSA components. This is not PEM/DER/PKCS#8 — it is the
// Mixmaster-compatible layout, and byte-exact compatibility with it is a
// hard requirement.
package keyformat

import (
	"crypto/md5"
	"crypto/rsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// Field sizes for the RSA key wire format.
const (
	KeyBits = 1024

	lenFieldSize = 2
	modulusSize  = 128 // n
	expSize      = 128 // e, left-padded
	privSize     = 128 // d
	primeSize    = 64  // p, q

	// PublicSize is the total size of the public-key wire form.
	PublicSize = lenFieldSize + modulusSize + expSize // 258

	// secretPadding reserves trailing zero bytes after q to bring the
	// secret wire form to its full 712-byte total; the named fields (n, e,
	// d, p, q) only account for 514 of those. Likely CRT precomputation
	// fields in the original Mixmaster format. Zero on encode, ignored on
	// decode; see DESIGN.md.
	secretPadding = 198

	// SecretSize is the total size of the secret-key wire form.
	SecretSize = PublicSize + privSize + primeSize + primeSize + secretPadding // 712

	// KeyIDSize is the size of a Key-ID: MD5 of the public wire form's
	// modulus-and-exponent block (bytes [2:PublicSize]).
	KeyIDSize = md5.Size
)

// KeyID is the 16-byte MD5 digest identifying an RSA key pair.
type KeyID [KeyIDSize]byte

func (id KeyID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// ParseKeyIDHex parses a hex-encoded Key-ID, as found in keyring header and
// block lines.
func ParseKeyIDHex(s string) (KeyID, error) {
	var id KeyID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != KeyIDSize {
		return id, fmt.Errorf("%w: invalid key-id %q", ErrMalformedKey, s)
	}
	copy(id[:], b)
	return id, nil
}

// ErrMalformedKey is returned when wire bytes fail a size or invariant check.
var ErrMalformedKey = errors.New("keyformat: malformed key")

// EncodePublic serializes the public half of key into the fixed wire form.
func EncodePublic(key *rsa.PublicKey) []byte {
	buf := make([]byte, PublicSize)
	binary.LittleEndian.PutUint16(buf[0:2], KeyBits)
	putFixed(buf[2:2+modulusSize], key.N.Bytes())
	putFixed(buf[2+modulusSize:2+modulusSize+expSize], big.NewInt(int64(key.E)).Bytes())
	return buf
}

// EncodeSecret serializes the full key pair into the fixed wire form.
func EncodeSecret(key *rsa.PrivateKey) ([]byte, error) {
	if len(key.Primes) != 2 {
		return nil, fmt.Errorf("%w: expected two primes, got %d", ErrMalformedKey, len(key.Primes))
	}
	p, q := key.Primes[0], key.Primes[1]
	if p.Cmp(q) < 0 {
		p, q = q, p // invariant: p >= q
	}

	buf := make([]byte, SecretSize)
	copy(buf[:PublicSize], EncodePublic(&key.PublicKey))
	off := PublicSize
	putFixed(buf[off:off+privSize], key.D.Bytes())
	off += privSize
	putFixed(buf[off:off+primeSize], p.Bytes())
	off += primeSize
	putFixed(buf[off:off+primeSize], q.Bytes())
	return buf, nil
}

// DecodePublic parses the fixed wire form into an rsa.PublicKey.
func DecodePublic(raw []byte) (*rsa.PublicKey, error) {
	if len(raw) != PublicSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedKey, PublicSize, len(raw))
	}
	if binary.LittleEndian.Uint16(raw[0:2]) != KeyBits {
		return nil, fmt.Errorf("%w: unsupported key length", ErrMalformedKey)
	}
	n := new(big.Int).SetBytes(raw[2 : 2+modulusSize])
	e := new(big.Int).SetBytes(raw[2+modulusSize : 2+modulusSize+expSize])
	if n.Sign() <= 0 || e.Sign() <= 0 {
		return nil, fmt.Errorf("%w: zero modulus or exponent", ErrMalformedKey)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// DecodeSecret parses the fixed wire form into an rsa.PrivateKey.
func DecodeSecret(raw []byte) (*rsa.PrivateKey, error) {
	if len(raw) != SecretSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedKey, SecretSize, len(raw))
	}
	pub, err := DecodePublic(raw[:PublicSize])
	if err != nil {
		return nil, err
	}
	off := PublicSize
	d := new(big.Int).SetBytes(raw[off : off+privSize])
	off += privSize
	p := new(big.Int).SetBytes(raw[off : off+primeSize])
	off += primeSize
	q := new(big.Int).SetBytes(raw[off : off+primeSize])

	if p.Cmp(q) < 0 {
		return nil, fmt.Errorf("%w: p must be >= q", ErrMalformedKey)
	}
	product := new(big.Int).Mul(p, q)
	if product.Cmp(pub.N) != 0 {
		return nil, fmt.Errorf("%w: n != p*q", ErrMalformedKey)
	}

	key := &rsa.PrivateKey{
		PublicKey: *pub,
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	return key, nil
}

// KeyIDOf computes the Key-ID of a public wire form: MD5 over bytes [2:PublicSize].
func KeyIDOf(publicWire []byte) (KeyID, error) {
	if len(publicWire) != PublicSize {
		return KeyID{}, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedKey, PublicSize, len(publicWire))
	}
	return KeyID(md5.Sum(publicWire[2:PublicSize])), nil
}

// putFixed right-aligns src into dst, left-padding with zero bytes.
// It panics if src is longer than dst, which would indicate a key larger
// than the fixed 1024-bit profile this format supports.
func putFixed(dst, src []byte) {
	if len(src) > len(dst) {
		panic("keyformat: value too large for fixed-width field")
	}
	copy(dst[len(dst)-len(src):], src)
}
