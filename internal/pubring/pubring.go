// Package pubring loads the peer public-key ring: a flat file of one-line
// headers followed by armored public-key blocks, with optional validity
// windows. Lookup and reload follow the same cache-miss contract as
// internal/secretstore, grounded on the gateway's loadClients cache-swap
// pattern.
package pubring

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mix-remailer/internal/errs"
	"mix-remailer/internal/keyformat"
)

const (
	beginMarker = "-----Begin Mix Key-----"
	endMarker   = "-----End Mix Key-----"
	dateLayout  = "2006-01-02"

	// CapabilityExit marks a peer as willing to be a final hop / random exit.
	CapabilityExit = "E"
)

// Peer is one entry of the public key ring.
type Peer struct {
	ShortName string
	Email     string
	KeyID     keyformat.KeyID
	Version   string
	Caps      string
}

// peerRecord is the internal, fully-resolved record stored in the cache.
type peerRecord struct {
	Peer
	PublicKey []byte // raw wire form, bytes[0:PublicSize]
	ValidFrom time.Time
	Expires   time.Time
	HasWindow bool
}

// HasCapability reports whether cap appears in the peer's capability string.
func (p Peer) HasCapability(cap string) bool {
	return strings.Contains(p.Caps, cap)
}

// Ring is the peer public-key cache, backed by a flat file on disk.
type Ring struct {
	path string
	log  *logrus.Entry

	mu      sync.RWMutex
	byName  map[string]peerRecord
	byKeyID map[keyformat.KeyID]peerRecord
}

// New loads path once at construction.
func New(path string, log *logrus.Entry) (*Ring, error) {
	r := &Ring{path: path, log: log}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// ByName looks up a peer by short-name, reloading once on a cache miss.
func (r *Ring) ByName(name string) (Peer, bool) {
	r.mu.RLock()
	rec, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return rec.Peer, true
	}
	if err := r.reload(); err != nil {
		r.log.WithError(err).Warn("pubring: reload on cache miss failed")
		return Peer{}, false
	}
	r.mu.RLock()
	rec, ok = r.byName[name]
	r.mu.RUnlock()
	return rec.Peer, ok
}

// ByKeyID looks up a peer by Key-ID, reloading once on a cache miss.
func (r *Ring) ByKeyID(id keyformat.KeyID) (Peer, bool) {
	r.mu.RLock()
	rec, ok := r.byKeyID[id]
	r.mu.RUnlock()
	if ok {
		return rec.Peer, true
	}
	if err := r.reload(); err != nil {
		r.log.WithError(err).Warn("pubring: reload on cache miss failed")
		return Peer{}, false
	}
	r.mu.RLock()
	rec, ok = r.byKeyID[id]
	r.mu.RUnlock()
	return rec.Peer, ok
}

// PublicKeyWire returns the raw public-key wire bytes for id, used by the
// encoder to RSA-encrypt a fresh session key under a peer's key.
func (r *Ring) PublicKeyWire(id keyformat.KeyID) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byKeyID[id]
	if !ok {
		return nil, false
	}
	return rec.PublicKey, true
}

// ListHeaders returns the short-names of every currently-valid peer, for the
// remailer-conf/remailer-stats responders.
func (r *Ring) ListHeaders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// RandomExit returns a uniformly-random peer advertising CapabilityExit.
func (r *Ring) RandomExit() (Peer, bool) {
	r.mu.RLock()
	candidates := make([]Peer, 0, len(r.byName))
	for _, rec := range r.byName {
		if rec.HasCapability(CapabilityExit) {
			candidates = append(candidates, rec.Peer)
		}
	}
	r.mu.RUnlock()
	if len(candidates) == 0 {
		return Peer{}, false
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return Peer{}, false
	}
	return candidates[n.Int64()], true
}

// reload re-reads and re-parses the flat file and swaps in a fresh set of
// maps, matching the secretstore/loadClients "build new, swap in" contract.
func (r *Ring) reload() error {
	f, err := os.Open(r.path)
	if err != nil {
		return errs.New(errs.PubringMalformed, err)
	}
	defer f.Close()

	recs, err := parseRing(f, r.log)
	if err != nil {
		return errs.New(errs.PubringMalformed, err)
	}

	byName := make(map[string]peerRecord, len(recs))
	byKeyID := make(map[keyformat.KeyID]peerRecord, len(recs))
	now := time.Now()
	for _, rec := range recs {
		if rec.HasWindow && (now.Before(rec.ValidFrom) || now.After(rec.Expires)) {
			continue
		}
		byName[rec.ShortName] = rec
		byKeyID[rec.KeyID] = rec
	}

	r.mu.Lock()
	r.byName = byName
	r.byKeyID = byKeyID
	r.mu.Unlock()
	return nil
}

func parseRing(f *os.File, log *logrus.Entry) ([]peerRecord, error) {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var recs []peerRecord
	for sc.Scan() {
		header := strings.TrimSpace(sc.Text())
		if header == "" {
			continue
		}
		fields := strings.Fields(header)
		if len(fields) != 5 && len(fields) != 7 {
			log.WithField("line", header).Warn("pubring: malformed header, skipping entry")
			skipBlock(sc)
			continue
		}

		rec := peerRecord{Peer: Peer{
			ShortName: fields[0],
			Email:     fields[1],
			Version:   fields[3],
			Caps:      fields[4],
		}}
		keyID, err := keyformat.ParseKeyIDHex(fields[2])
		if err != nil {
			log.WithField("line", header).Warn("pubring: bad key-id in header, skipping entry")
			skipBlock(sc)
			continue
		}
		rec.KeyID = keyID
		if len(fields) == 7 {
			validFrom, err1 := time.Parse(dateLayout, fields[5])
			expires, err2 := time.Parse(dateLayout, fields[6])
			if err1 != nil || err2 != nil {
				log.WithField("line", header).Warn("pubring: bad validity window, skipping entry")
				skipBlock(sc)
				continue
			}
			rec.ValidFrom, rec.Expires, rec.HasWindow = validFrom, expires, true
		}

		block, err := readKeyBlock(sc)
		if err != nil {
			log.WithError(err).WithField("line", header).Warn("pubring: bad key block, skipping entry")
			continue
		}
		if block.keyID != rec.KeyID {
			log.WithField("line", header).Warn("pubring: header/block key-id mismatch, skipping entry")
			continue
		}
		rec.PublicKey = block.wire
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

type keyBlock struct {
	keyID keyformat.KeyID
	wire  []byte
}

func readKeyBlock(sc *bufio.Scanner) (keyBlock, error) {
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != beginMarker {
		return keyBlock{}, fmt.Errorf("expected %q", beginMarker)
	}
	if !sc.Scan() {
		return keyBlock{}, fmt.Errorf("truncated key block: missing key-id line")
	}
	id, err := keyformat.ParseKeyIDHex(strings.TrimSpace(sc.Text()))
	if err != nil {
		return keyBlock{}, fmt.Errorf("bad key-id line: %w", err)
	}
	if !sc.Scan() {
		return keyBlock{}, fmt.Errorf("truncated key block: missing length line")
	}
	declaredLen, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil {
		return keyBlock{}, fmt.Errorf("bad length line: %w", err)
	}

	var b64Lines []string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == endMarker {
			wire, err := base64.StdEncoding.DecodeString(strings.Join(b64Lines, ""))
			if err != nil {
				return keyBlock{}, fmt.Errorf("bad base64 key body: %w", err)
			}
			if len(wire) != declaredLen {
				return keyBlock{}, fmt.Errorf("declared length %d does not match decoded length %d", declaredLen, len(wire))
			}
			gotID, err := keyformat.KeyIDOf(wire)
			if err != nil {
				return keyBlock{}, err
			}
			if gotID != id {
				return keyBlock{}, fmt.Errorf("computed key-id %s does not match declared %s", gotID, id)
			}
			return keyBlock{keyID: id, wire: wire}, nil
		}
		b64Lines = append(b64Lines, line)
	}
	return keyBlock{}, fmt.Errorf("truncated key block: missing %q", endMarker)
}

// skipBlock discards lines up to and including the next end marker, used to
// resynchronize after a malformed header so one bad entry does not corrupt
// parsing of the rest of the file.
func skipBlock(sc *bufio.Scanner) {
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == endMarker {
			return
		}
	}
}

// FormatBlock renders a single entry in this file's header-plus-armored-block
// shape, ready to append to a local pubring file or hand to a peer operator
// to add to theirs. It is the inverse of parseRing/readKeyBlock for exactly
// one entry.
func FormatBlock(shortName, email string, pub []byte, caps string) (string, error) {
	id, err := keyformat.KeyIDOf(pub)
	if err != nil {
		return "", fmt.Errorf("pubring: computing key-id: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s %s\n", shortName, email, id, "1.0", caps)
	b.WriteString(beginMarker + "\n")
	fmt.Fprintf(&b, "%s\n", id)
	fmt.Fprintf(&b, "%d\n", len(pub))
	b.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(pub)))
	b.WriteString(endMarker + "\n")
	return b.String(), nil
}

// wrapBase64 splits s into armorWrapColumns-wide lines, each newline-terminated.
func wrapBase64(s string) string {
	const armorWrapColumns = 64
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
