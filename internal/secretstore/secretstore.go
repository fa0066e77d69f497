// Package secretstore loads the node's own RSA secret keys from an armored,
// passphrase-encrypted file and caches them by Key-ID. The cache-miss reload
// policy (look up, miss, reload, look up again) and the copy-on-reload swap
// under a single mutex follow the gateway's loadClients/reloadClientsAndNumbers
// pattern for its in-memory client map.
package secretstore

import (
	"bufio"
	"crypto/cipher"
	"crypto/des"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mix-remailer/internal/errs"
	"mix-remailer/internal/keyformat"
)

const armorWrapColumns = 64

const (
	beginMarker = "-----Begin Mix Key-----"
	endMarker   = "-----End Mix Key-----"
	dateLayout  = "2006-01-02"
)

// passphrase is the fixed decryption key for the secret key-ring. It is a
// known property of the on-disk format, not an operator secret, and must
// not be made configurable.
var passphrase = md5.Sum([]byte("Two Humped Dromadary"))

// tripleDESKey expands the 16-byte MD5 passphrase into a 24-byte two-key
// (EDE2) triple-DES key by repeating the first 8 bytes as the third key,
// the scheme used by the Mixmaster key-ring cipher.
func tripleDESKey() []byte {
	key := make([]byte, 24)
	copy(key[0:16], passphrase[:])
	copy(key[16:24], passphrase[:8])
	return key
}

// Store is the node's secret-key cache, backed by an armored file on disk.
type Store struct {
	path string
	log  *logrus.Entry

	mu      sync.RWMutex
	entries map[keyformat.KeyID]keyEntry
}

type keyEntry struct {
	key     *rsa.PrivateKey
	expires time.Time
}

// New loads path once at construction; a missing or unreadable file is
// fatal (errs.StoreMissing), since the node cannot decode anything without it.
func New(path string, log *logrus.Entry) (*Store, error) {
	s := &Store{path: path, log: log, entries: map[keyformat.KeyID]keyEntry{}}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup returns the decoded secret key for id, reloading the file once on a
// cache miss before giving up.
func (s *Store) Lookup(id keyformat.KeyID) (*rsa.PrivateKey, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok && !expired(e) {
		return e.key, true
	}

	if err := s.reload(); err != nil {
		s.log.WithError(err).Warn("secretstore: reload on cache miss failed")
		return nil, false
	}

	s.mu.RLock()
	e, ok = s.entries[id]
	s.mu.RUnlock()
	if !ok || expired(e) {
		return nil, false
	}
	return e.key, true
}

// KeyIDs returns the Key-IDs of every currently-valid key in the store, for
// the operator CLI's pubkey command to enumerate this node's own identities.
func (s *Store) KeyIDs() []keyformat.KeyID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]keyformat.KeyID, 0, len(s.entries))
	for id, e := range s.entries {
		if !expired(e) {
			ids = append(ids, id)
		}
	}
	return ids
}

func expired(e keyEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

// reload re-reads and re-parses the armored file and swaps in a fresh map,
// matching the loadClients "build a new snapshot, swap it in" discipline.
func (s *Store) reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return errs.New(errs.StoreMissing, err)
	}
	defer f.Close()

	blocks, err := splitBlocks(f)
	if err != nil {
		return errs.New(errs.StoreMissing, fmt.Errorf("reading %s: %w", s.path, err))
	}

	fresh := make(map[keyformat.KeyID]keyEntry, len(blocks))
	for _, b := range blocks {
		entry, id, err := decryptBlock(b)
		if err != nil {
			s.log.WithError(err).WithField("path", s.path).Warn("secretstore: discarding corrupt block")
			continue
		}
		fresh[id] = entry
	}

	s.mu.Lock()
	s.entries = fresh
	s.mu.Unlock()
	return nil
}

type rawBlock struct {
	created   string
	expires   string
	keyIDHex  string
	ivB64     string
	cipherB64 string
}

// splitBlocks scans the armored file for Begin/End Mix Key blocks and their
// five body lines: Created, Expires, Key-ID, a zero line (ignored), and the
// base64 IV concatenated with the base64 ciphertext on following lines. The
// wire format has no explicit line tag distinguishing IV from ciphertext
// beyond position, so this parser is strictly positional.
func splitBlocks(f *os.File) ([]rawBlock, error) {
	var blocks []rawBlock
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cur *rawBlock
	var bodyLines []string
	inBlock := false

	flush := func() {
		if cur == nil || len(bodyLines) < 2 {
			return
		}
		cur.ivB64 = bodyLines[0]
		cur.cipherB64 = strings.Join(bodyLines[1:], "")
		blocks = append(blocks, *cur)
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == beginMarker:
			cur = &rawBlock{}
			bodyLines = nil
			inBlock = true
		case line == endMarker:
			flush()
			cur = nil
			inBlock = false
		case !inBlock:
			continue
		case strings.HasPrefix(line, "Created:"):
			cur.created = strings.TrimSpace(strings.TrimPrefix(line, "Created:"))
		case strings.HasPrefix(line, "Expires:"):
			cur.expires = strings.TrimSpace(strings.TrimPrefix(line, "Expires:"))
		case strings.HasPrefix(line, "Key-ID:"):
			cur.keyIDHex = strings.TrimSpace(strings.TrimPrefix(line, "Key-ID:"))
		case line == "0":
			// ignored line
		case line == "":
			continue
		default:
			bodyLines = append(bodyLines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func decryptBlock(b rawBlock) (keyEntry, keyformat.KeyID, error) {
	iv, err := base64.StdEncoding.DecodeString(b.ivB64)
	if err != nil || len(iv) != des.BlockSize {
		return keyEntry{}, keyformat.KeyID{}, fmt.Errorf("bad IV: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(b.cipherB64)
	if err != nil || len(ciphertext)%des.BlockSize != 0 {
		return keyEntry{}, keyformat.KeyID{}, fmt.Errorf("bad ciphertext: %w", err)
	}

	block, err := des.NewTripleDESCipher(tripleDESKey())
	if err != nil {
		return keyEntry{}, keyformat.KeyID{}, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	if len(plain) != keyformat.SecretSize {
		return keyEntry{}, keyformat.KeyID{}, fmt.Errorf("decrypted secret is %d bytes, want %d", len(plain), keyformat.SecretSize)
	}

	gotID, err := keyformat.KeyIDOf(plain[:keyformat.PublicSize])
	if err != nil {
		return keyEntry{}, keyformat.KeyID{}, err
	}
	if gotID.String() != strings.ToLower(b.keyIDHex) {
		return keyEntry{}, keyformat.KeyID{}, fmt.Errorf("key-id mismatch: header %s, computed %s", b.keyIDHex, gotID)
	}

	key, err := keyformat.DecodeSecret(plain)
	if err != nil {
		return keyEntry{}, keyformat.KeyID{}, fmt.Errorf("decoding secret wire form: %w", err)
	}

	var expires time.Time
	if b.expires != "" {
		expires, _ = time.Parse(dateLayout, b.expires)
	}
	return keyEntry{key: key, expires: expires}, gotID, nil
}

// GenerateAndAppend creates a fresh RSA keypair, encrypts and armors it in
// this file's wire format, and appends the block to path (creating the file
// if it does not already exist). It is the keygen command's entry point:
// the returned *rsa.PrivateKey is what the operator publishes the public
// half of via the pubring package.
func GenerateAndAppend(path string, validFor time.Duration) (*rsa.PrivateKey, keyformat.KeyID, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyformat.KeyBits)
	if err != nil {
		return nil, keyformat.KeyID{}, fmt.Errorf("secretstore: generating key: %w", err)
	}

	wire, err := keyformat.EncodeSecret(key)
	if err != nil {
		return nil, keyformat.KeyID{}, fmt.Errorf("secretstore: encoding secret wire form: %w", err)
	}
	id, err := keyformat.KeyIDOf(wire[:keyformat.PublicSize])
	if err != nil {
		return nil, keyformat.KeyID{}, fmt.Errorf("secretstore: computing key-id: %w", err)
	}

	iv := make([]byte, des.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, keyformat.KeyID{}, fmt.Errorf("secretstore: generating iv: %w", err)
	}
	block, err := des.NewTripleDESCipher(tripleDESKey())
	if err != nil {
		return nil, keyformat.KeyID{}, fmt.Errorf("secretstore: building cipher: %w", err)
	}
	ciphertext := make([]byte, len(wire))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, wire)

	now := time.Now()
	var expiresLine string
	if validFor > 0 {
		expiresLine = now.Add(validFor).Format(dateLayout)
	}

	var b strings.Builder
	b.WriteString(beginMarker + "\n")
	fmt.Fprintf(&b, "Created: %s\n", now.Format(dateLayout))
	fmt.Fprintf(&b, "Expires: %s\n", expiresLine)
	fmt.Fprintf(&b, "Key-ID: %s\n", id)
	b.WriteString("0\n")
	b.WriteString(base64.StdEncoding.EncodeToString(iv) + "\n")
	b.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(ciphertext)))
	b.WriteString(endMarker + "\n")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, keyformat.KeyID{}, fmt.Errorf("secretstore: opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return nil, keyformat.KeyID{}, fmt.Errorf("secretstore: writing %s: %w", path, err)
	}
	return key, id, nil
}

// wrapBase64 splits s into armorWrapColumns-wide lines, each newline-terminated.
func wrapBase64(s string) string {
	var b strings.Builder
	for len(s) > armorWrapColumns {
		b.WriteString(s[:armorWrapColumns])
		b.WriteByte('\n')
		s = s[armorWrapColumns:]
	}
	if len(s) > 0 {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.String()
}
