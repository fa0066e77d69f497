// Package threedes wraps the 3DES-CBC and RSA-PKCS#1v1.5 primitives used to
// build and peel packet layers. The "key bytes in, ciphertext bytes out"
// shape follows the EncryptPassword/DecryptPassword helpers in the gateway's
// encrypt.go, adapted from AES-CFB to the 3DES-CBC algorithm the wire format
// requires.
package threedes

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

const (
	KeySize = 24 // three-key 3DES session key, as carried in the inner header
	IVSize  = des.BlockSize
)

// NewSessionKey returns a fresh CSPRNG 3DES key and IV.
func NewSessionKey() (key [KeySize]byte, iv [IVSize]byte, err error) {
	if _, err = rand.Read(key[:]); err != nil {
		return key, iv, fmt.Errorf("threedes: generating session key: %w", err)
	}
	if _, err = rand.Read(iv[:]); err != nil {
		return key, iv, fmt.Errorf("threedes: generating iv: %w", err)
	}
	return key, iv, nil
}

// EncryptCBC encrypts plaintext into a newly allocated buffer the same
// length as plaintext; plaintext itself is left unchanged. plaintext must already be a multiple of
// des.BlockSize — every buffer this package encrypts (header, payload) is a
// fixed size chosen to satisfy that.
func EncryptCBC(key [KeySize]byte, iv [IVSize]byte, plaintext []byte) ([]byte, error) {
	if len(plaintext)%des.BlockSize != 0 {
		return nil, fmt.Errorf("threedes: plaintext length %d is not a multiple of block size %d", len(plaintext), des.BlockSize)
	}
	block, err := des.NewTripleDESCipher(expandKey(key))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, plaintext)
	return out, nil
}

// DecryptCBC is the inverse of EncryptCBC.
func DecryptCBC(key [KeySize]byte, iv [IVSize]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%des.BlockSize != 0 {
		return nil, fmt.Errorf("threedes: ciphertext length %d is not a multiple of block size %d", len(ciphertext), des.BlockSize)
	}
	block, err := des.NewTripleDESCipher(expandKey(key))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, ciphertext)
	return out, nil
}

// expandKey turns the 24-byte key carried on the wire into the 24-byte
// three-key form crypto/des expects. The wire key is already 24 bytes
// (three independent 8-byte thirds), unlike the 16-byte passphrase-derived
// key the secret key-ring cipher uses.
func expandKey(key [KeySize]byte) []byte {
	out := make([]byte, KeySize)
	copy(out, key[:])
	return out
}

// WrapSessionKey RSA-PKCS#1v1.5-encrypts a fresh 3DES session key under a
// peer's public key. It returns an error unless the result is exactly 128
// bytes: only a 1024-bit key produces that, which is the only profile this
// wire format supports.
func WrapSessionKey(pub *rsa.PublicKey, sessionKey [KeySize]byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, sessionKey[:])
	if err != nil {
		return nil, fmt.Errorf("threedes: rsa wrap: %w", err)
	}
	if len(ciphertext) != 128 {
		return nil, fmt.Errorf("threedes: rsa wrap produced %d bytes, want 128 (not a 1024-bit key?)", len(ciphertext))
	}
	return ciphertext, nil
}

// UnwrapSessionKey RSA-PKCS#1v1.5-decrypts a session key ciphertext.
func UnwrapSessionKey(priv *rsa.PrivateKey, ciphertext []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	if err != nil {
		return key, fmt.Errorf("threedes: rsa unwrap: %w", err)
	}
	if len(plain) != KeySize {
		return key, fmt.Errorf("threedes: unwrapped key is %d bytes, want %d", len(plain), KeySize)
	}
	copy(key[:], plain)
	return key, nil
}
