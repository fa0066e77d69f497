// Package mailbox is the concrete implementation of the inbound mailbox
// collaborator: a directory of one-file-per-message arrivals, enumerated on
// startup and then watched for new arrivals with fsnotify. Treating a
// delivered message as an opaque header/body envelope before any
// protocol-specific parsing follows other_examples' mail envelope handling;
// the fsnotify watch-loop-with-debounce shape is grounded on the BBS
// package's own config file watcher.
package mailbox

import (
	"context"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Message is one arrived mail item: enough of its envelope to apply the
// inbound acceptance rules, plus the raw text the decode pipeline needs.
type Message struct {
	Path string
	From string
	Raw  string
}

// IsBounce reports whether From looks like a mailer-daemon bounce, which
// must be rejected outright rather than fed to the decoder.
func (m Message) IsBounce() bool {
	return strings.HasPrefix(strings.ToLower(m.From), "mailer-daemon")
}

// Store enumerates and reads arrived messages from a directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// List returns every message currently waiting in the mailbox, in
// directory order. A message that fails to parse is skipped with its
// error reported through skipped rather than failing the whole listing, so
// one corrupt arrival can't starve every other one.
func (s *Store) List() (msgs []Message, skipped map[string]error, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("mailbox: listing %s: %w", s.dir, err)
	}
	skipped = make(map[string]error)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		msg, perr := readMessage(path)
		if perr != nil {
			skipped[path] = perr
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, skipped, nil
}

// Remove deletes a message's file once it has been fully handled.
func (s *Store) Remove(path string) error {
	return os.Remove(path)
}

func readMessage(path string) (Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Message{}, fmt.Errorf("mailbox: reading %s: %w", path, err)
	}
	parsed, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return Message{}, fmt.Errorf("mailbox: parsing headers of %s: %w", path, err)
	}

	from := parsed.Header.Get("From")
	if addr, aerr := mail.ParseAddress(from); aerr == nil {
		from = addr.Address
	}

	ct := parsed.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "multipart/") {
		return Message{}, fmt.Errorf("mailbox: %s is a multipart message, rejected", path)
	}

	return Message{Path: path, From: from, Raw: string(raw)}, nil
}

const defaultJobQueueDepth = 64

// Watcher notifies a handler as new messages land in the mailbox directory,
// after Store.List() has drained whatever was already waiting at startup.
// Dispatched messages don't run the handler directly: they are pushed onto
// a fixed-size job channel drained by a small pool of worker goroutines
// (general.decode_workers), the same channel-fed-dispatch shape as the
// gateway's own processMessage loop, so a burst of arrivals can't spawn an
// unbounded number of concurrent decodes.
type Watcher struct {
	store   *Store
	fsw     *fsnotify.Watcher
	log     *logrus.Entry
	workers int
	jobs    chan Message

	mu       sync.Mutex
	timers   map[string]*time.Timer
	debounce time.Duration
}

// NewWatcher opens an fsnotify watch on dir and sizes the decode worker
// pool to workers (at least 1). Close the returned Watcher when done.
func NewWatcher(dir string, workers int, log *logrus.Entry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("mailbox: creating watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("mailbox: watching %s: %w", dir, err)
	}
	if workers < 1 {
		workers = 1
	}
	return &Watcher{
		store:    NewStore(dir),
		fsw:      fsw,
		log:      log,
		workers:  workers,
		jobs:     make(chan Message, defaultJobQueueDepth),
		timers:   make(map[string]*time.Timer),
		debounce: 250 * time.Millisecond,
	}, nil
}

// Run starts the decode worker pool, drains whatever is already in the
// mailbox, then blocks dispatching newly arrived messages to handle until
// ctx is canceled. handle is responsible for removing the message's file
// (via the Watcher's Store method) once it has finished with it; a handle
// error is logged and the file is left in place for the next run.
func (w *Watcher) Run(ctx context.Context, handle func(context.Context, Message) error) error {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.work(ctx, handle)
		}()
	}
	defer wg.Wait()

	pending, skipped, err := w.store.List()
	if err != nil {
		return err
	}
	for path, serr := range skipped {
		w.log.WithError(serr).WithField("file", path).Warn("mailbox: rejecting unreadable message")
	}
	for _, msg := range pending {
		w.enqueue(ctx, msg)
	}

	for {
		select {
		case <-ctx.Done():
			return w.fsw.Close()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.scheduleDispatch(ctx, event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("mailbox: watcher error")
		}
	}
}

// work is one decode worker: it pulls messages off the job channel and
// runs handle until ctx is canceled.
func (w *Watcher) work(ctx context.Context, handle func(context.Context, Message) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.jobs:
			if !ok {
				return
			}
			if err := handle(ctx, msg); err != nil {
				w.log.WithError(err).WithField("file", msg.Path).Warn("mailbox: handler failed, leaving message for retry")
			}
		}
	}
}

// scheduleDispatch debounces rapid successive write events for the same
// path (a mail delivery agent often writes a message in more than one
// syscall) before reading and enqueueing it for a worker.
func (w *Watcher) scheduleDispatch(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		msg, err := readMessage(path)
		if err != nil {
			w.log.WithError(err).WithField("file", path).Warn("mailbox: rejecting unreadable message")
			return
		}
		w.enqueue(ctx, msg)
	})
}

// enqueue drops a bounce immediately, otherwise hands msg to the worker
// pool, blocking until either a worker is free or ctx is canceled.
func (w *Watcher) enqueue(ctx context.Context, msg Message) {
	if msg.IsBounce() {
		w.log.WithField("from", msg.From).WithField("file", msg.Path).Warn("mailbox: dropping bounce from mailer-daemon")
		if err := w.store.Remove(msg.Path); err != nil {
			w.log.WithError(err).WithField("file", msg.Path).Warn("mailbox: failed to remove bounce")
		}
		return
	}
	select {
	case w.jobs <- msg:
	case <-ctx.Done():
	}
}

// Store exposes the underlying Store so a handler can remove a message's
// file once it has finished processing it.
func (w *Watcher) Store() *Store {
	return w.store
}
