package mailbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func writeMessage(t *testing.T, dir, name, from, contentType, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	raw := "From: " + from + "\nTo: remailer@example.com\n"
	if contentType != "" {
		raw += "Content-Type: " + contentType + "\n"
	}
	raw += "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))
	return path
}

func TestListParsesFromAndRejectsMultipart(t *testing.T) {
	dir := t.TempDir()
	writeMessage(t, dir, "msg1", "alice@example.com", "text/plain", "-----BEGIN REMAILER MESSAGE-----\nAAAA\n-----END REMAILER MESSAGE-----\n")
	writeMessage(t, dir, "msg2", "bob@example.com", "multipart/mixed; boundary=x", "ignored")

	store := NewStore(dir)
	msgs, skipped, err := store.List()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "alice@example.com", msgs[0].From)
	require.Len(t, skipped, 1)
}

func TestMessageIsBounceDetectsMailerDaemon(t *testing.T) {
	require.True(t, Message{From: "MAILER-DAEMON@example.com"}.IsBounce())
	require.False(t, Message{From: "alice@example.com"}.IsBounce())
}

func TestRemoveDeletesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeMessage(t, dir, "msg1", "alice@example.com", "text/plain", "body")
	store := NewStore(dir)
	require.NoError(t, store.Remove(path))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestRunDrainsExistingAndDropsBounce(t *testing.T) {
	dir := t.TempDir()
	writeMessage(t, dir, "msg1", "alice@example.com", "text/plain", "body-a")
	writeMessage(t, dir, "msg2", "MAILER-DAEMON@example.com", "text/plain", "body-b")

	w, err := NewWatcher(dir, 2, testLog())
	require.NoError(t, err)

	var handled []Message
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		err := w.Run(ctx, func(_ context.Context, msg Message) error {
			handled = append(handled, msg)
			return w.Store().Remove(msg.Path)
		})
		require.NoError(t, err)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)

	require.Len(t, handled, 1)
	require.Equal(t, "alice@example.com", handled[0].From)

	remaining, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestRunDispatchesNewArrivalAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, 2, testLog())
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	received := make(chan Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Run(ctx, func(_ context.Context, msg Message) error {
			received <- msg
			return w.Store().Remove(msg.Path)
		})
	}()

	time.Sleep(50 * time.Millisecond)
	writeMessage(t, dir, "msg1", "carol@example.com", "text/plain", "body")

	select {
	case msg := <-received:
		require.Equal(t, "carol@example.com", msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched message")
	}
}
