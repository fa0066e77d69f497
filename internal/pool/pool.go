// Package pool implements the outbound staging directory: messages land here
// from the decoder's forward path and the encoder's random-hop/dummy path,
// and a periodic tick drains a randomized subset of them through SMTP. The
// write-temp/fsync/rename deposit and the "leave it for the next tick on
// transient failure" retry policy are this node's equivalent of the
// gateway's on-disk media staging and its MsgQueueItem.Retry contract,
// adapted from a one-shot delivery queue to a batching mix pool.
package pool

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mix-remailer/internal/errs"
	"mix-remailer/internal/logging"
	"mix-remailer/internal/metrics"
)

const filePrefix = "m"

// Email is a message staged for SMTP hand-off: a recipient address and a
// fully-formed body (an armored packet for forwarded/random-hop traffic, or
// a dummy's armored body).
type Email struct {
	To   string
	Body string
}

// SMTPSender hands an Email off to a remote mail exchanger. Send must return
// an *errs.Error with Kind == errs.SMTPTransient for a per-message refusal
// that should be retried on the next tick, or Kind == errs.SMTPFatal for a
// permanent per-message failure whose file is discarded. Any other error is
// treated as a connection-level failure that aborts the whole tick.
type SMTPSender interface {
	Send(ctx context.Context, email Email) error
}

// Dummier produces a dummy email indistinguishable from real traffic, for
// the tick's dummy-injection step.
type Dummier interface {
	Dummy() (Email, error)
}

type state int

const (
	stateIdle state = iota
	stateDraining
)

// Pool is the directory-backed outbound staging area.
type Pool struct {
	dir string

	sizeThreshold int
	ratePercent   int
	interval      time.Duration
	outdummyPct   int

	sender    SMTPSender
	dummy     Dummier
	lm        *logging.Manager
	collector *metrics.Collector
	log       *logrus.Entry

	mu          sync.Mutex
	st          state
	nextProcess time.Time
}

// Config bundles the tick-scheduling parameters from an operator's config.
type Config struct {
	Dir           string
	SizeThreshold int
	RatePercent   int
	Interval      time.Duration
	OutdummyPct   int
}

func New(cfg Config, sender SMTPSender, dummy Dummier, lm *logging.Manager, log *logrus.Entry) *Pool {
	return &Pool{
		dir:           cfg.Dir,
		sizeThreshold: cfg.SizeThreshold,
		ratePercent:   cfg.RatePercent,
		interval:      cfg.Interval,
		outdummyPct:   cfg.OutdummyPct,
		sender:        sender,
		dummy:         dummy,
		lm:            lm,
		log:           log,
	}
}

// SetCollector wires a metrics collector into the pool after construction:
// the collector's own Snapshot source (the gateway's Node) is only fully
// assembled once the pool already exists, so this breaks the construction
// cycle instead of threading the collector through New.
func (p *Pool) SetCollector(c *metrics.Collector) {
	p.collector = c
}

func (p *Pool) incSMTPFailure(kind string) {
	if p.collector == nil {
		return
	}
	p.collector.SMTPFailures.WithLabelValues(kind).Inc()
}

// Deposit atomically writes email into the pool directory: write to a temp
// file, fsync, then rename into place so a crash never leaves a partially
// written pool file for tick() to pick up.
func (p *Pool) Deposit(email Email) error {
	name, err := randomFileName()
	if err != nil {
		return fmt.Errorf("pool: naming deposit: %w", err)
	}
	final := filepath.Join(p.dir, name)
	tmp := filepath.Join(p.dir, "."+name+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("pool: creating temp file: %w", err)
	}
	if _, err := f.WriteString(encodeEmail(email)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("pool: writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("pool: syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pool: closing temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pool: renaming into place: %w", err)
	}
	p.lm.Send(p.lm.Build("pool", "PoolDeposit", logrus.InfoLevel, logrus.Fields{"to": email.To}, email.To))
	return nil
}

// Size reports the number of files currently staged in the pool.
func (p *Pool) Size() (int, error) {
	files, err := p.listFiles()
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// Tick runs one scheduling cycle: if a tick is already draining or the
// interval has not elapsed, it no-ops. Otherwise it selects a randomized
// subset of staged files sized by the configured rate, dispatches each via
// SMTP, deletes the ones that succeeded, and leaves the rest for the next
// tick. Overlapping ticks are disallowed by st, serializing the
// Idle -> Draining -> Idle transition.
func (p *Pool) Tick(ctx context.Context) error {
	p.mu.Lock()
	if p.st == stateDraining {
		p.mu.Unlock()
		return nil
	}
	if time.Now().Before(p.nextProcess) {
		p.mu.Unlock()
		return nil
	}
	p.st = stateDraining
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.st = stateIdle
		p.nextProcess = time.Now().Add(p.interval)
		p.mu.Unlock()
	}()

	if err := p.drain(ctx); err != nil {
		return err
	}
	return p.maybeInjectDummy()
}

func (p *Pool) drain(ctx context.Context) error {
	files, err := p.listFiles()
	if err != nil {
		return err
	}

	total := len(files)
	if total < p.sizeThreshold {
		p.lm.Send(p.lm.Build("pool", "PoolTickNoOp", logrus.DebugLevel, nil))
		return nil
	}
	k := total * p.ratePercent / 100
	if k == 0 {
		p.lm.Send(p.lm.Build("pool", "PoolTickNoOp", logrus.DebugLevel, nil))
		return nil
	}

	if err := shuffle(files); err != nil {
		return fmt.Errorf("pool: shuffling selection: %w", err)
	}
	start, err := randomOffset(total - k)
	if err != nil {
		return fmt.Errorf("pool: choosing start offset: %w", err)
	}
	selected := files[start : start+k]

	dispatched := 0
	for _, name := range selected {
		path := filepath.Join(p.dir, name)
		email, err := p.readFile(path)
		if err != nil {
			p.log.WithError(err).WithField("file", name).Warn("pool: unreadable pool file, leaving for operator")
			continue
		}

		err = p.sender.Send(ctx, email)
		if err == nil {
			dispatched++
			if rmErr := os.Remove(path); rmErr != nil {
				p.log.WithError(rmErr).WithField("file", name).Warn("pool: sent but failed to remove pool file")
			}
			continue
		}

		// SMTPTransient is a per-message refusal: leave the file for the next
		// tick. SMTPFatal is a per-message permanent failure (bad recipient,
		// policy rejection): log and discard just that message. Anything
		// else is an unclassified connection-level failure; the rest of the
		// batch can't be trusted to reach the same server, so abort without
		// touching any more files.
		kind, ok := errs.Of(err)
		switch {
		case ok && kind == errs.SMTPTransient:
			p.incSMTPFailure("transient")
			p.lm.Send(p.lm.Build("pool", "SMTPTransientFailure", logrus.WarnLevel, logrus.Fields{"to": email.To, "file": name}, email.To, err.Error()))
		case ok && kind == errs.SMTPFatal:
			p.incSMTPFailure("fatal")
			p.lm.Send(p.lm.Build("pool", "SMTPFatalFailure", logrus.WarnLevel, logrus.Fields{"to": email.To, "file": name}, email.To, err.Error()))
			if rmErr := os.Remove(path); rmErr != nil {
				p.log.WithError(rmErr).WithField("file", name).Warn("pool: failed to remove discarded pool file")
			}
		default:
			p.incSMTPFailure("connection")
			p.lm.Send(p.lm.Build("pool", "SMTPConnectionFailure", logrus.WarnLevel, logrus.Fields{"file": name}, err.Error()))
			return err
		}
	}
	p.lm.Send(p.lm.Build("pool", "PoolTickDrained", logrus.InfoLevel, nil, dispatched, len(selected)))
	return nil
}

func (p *Pool) maybeInjectDummy() error {
	if p.outdummyPct <= 0 {
		return nil
	}
	roll, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		return fmt.Errorf("pool: rolling dummy injection: %w", err)
	}
	if int(roll.Int64()) >= p.outdummyPct {
		return nil
	}
	email, err := p.dummy.Dummy()
	if err != nil {
		return fmt.Errorf("pool: building dummy: %w", err)
	}
	if p.collector != nil {
		p.collector.DummiesInjected.Inc()
	}
	p.lm.Send(p.lm.Build("pool", "PoolDummyInjected", logrus.DebugLevel, nil))
	return p.Deposit(email)
}

func (p *Pool) listFiles() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("pool: listing directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (p *Pool) readFile(path string) (Email, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Email{}, fmt.Errorf("pool: reading %s: %w", path, err)
	}
	return decodeEmail(string(raw))
}

// encodeEmail/decodeEmail frame an Email as a single "To:" header line
// followed by a blank line and the body, the same header/body split every
// other component in this node uses for armored message text.
func encodeEmail(e Email) string {
	return "To: " + e.To + "\n\n" + e.Body
}

func decodeEmail(raw string) (Email, error) {
	const prefix = "To: "
	if !strings.HasPrefix(raw, prefix) {
		return Email{}, fmt.Errorf("pool: missing To: header")
	}
	nl := strings.IndexByte(raw, '\n')
	if nl < 0 {
		return Email{}, fmt.Errorf("pool: truncated header")
	}
	to := strings.TrimSpace(raw[len(prefix):nl])
	rest := raw[nl+1:]
	rest = strings.TrimPrefix(rest, "\n")
	return Email{To: to, Body: rest}, nil
}

func randomFileName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return filePrefix + hexEncode(buf[:]), nil
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0f]
	}
	return string(out)
}

// shuffle performs a CSPRNG Fisher-Yates shuffle in place.
func shuffle(items []string) error {
	for i := len(items) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		items[i], items[j.Int64()] = items[j.Int64()], items[i]
	}
	return nil
}

// randomOffset returns a CSPRNG-chosen integer in [0, max].
func randomOffset(max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max+1)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}
