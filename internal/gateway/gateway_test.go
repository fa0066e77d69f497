package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"mix-remailer/internal/config"
	"mix-remailer/internal/decode"
	"mix-remailer/internal/encode"
	"mix-remailer/internal/errs"
	"mix-remailer/internal/keyformat"
	"mix-remailer/internal/metrics"
	"mix-remailer/internal/pool"
	"mix-remailer/internal/pubring"
	"mix-remailer/internal/smtpclient"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestAddressDomainExtractsDomain(t *testing.T) {
	require.Equal(t, "example.com", addressDomain("remailer@example.com"))
	require.Equal(t, "no-at-sign", addressDomain("no-at-sign"))
}

func TestRandomMessageIDIsUniqueAndWellFormed(t *testing.T) {
	a := randomMessageID()
	b := randomMessageID()
	require.Len(t, a, 36)
	require.NotEqual(t, a, b)
}

func TestBuildDeliverableIncludesHeadersAndBody(t *testing.T) {
	cfg := config.Default()
	cfg.Mail.Address = "remailer@example.com"
	cfg.General.Version = "mixremailer-test"

	result := decode.Result{
		HeaderLines: []string{"Subject: hello"},
		Body:        []byte("the body"),
	}

	msg := buildDeliverable(cfg, result)
	require.Contains(t, msg, "Subject: hello")
	require.Contains(t, msg, "From: mixremailer-test <remailer@example.com>")
	require.Contains(t, msg, "Message-ID: <")
	require.Contains(t, msg, "@example.com>")
	require.True(t, strings.HasSuffix(msg, "the body"))
}

// fakeChain and fakeKeys satisfy encode.ChainSelector/encode.KeySource so
// dummyAdapter can be exercised against a real *encode.Encoder.
type fakeChain struct {
	peer pubring.Peer
	err  error
}

func (f fakeChain) RandomExit() (pubring.Peer, error) {
	return f.peer, f.err
}

type fakeKeys struct {
	wire []byte
	ok   bool
}

func (f fakeKeys) PublicKeyWire(id keyformat.KeyID) ([]byte, bool) {
	return f.wire, f.ok
}

func TestDummyAdapterSurfacesEncoderError(t *testing.T) {
	peer := pubring.Peer{ShortName: "exit1", Email: "exit1@example.com"}
	enc := encode.New(fakeChain{peer: peer}, fakeKeys{ok: false})

	// No public key on file for the chosen exit: Dummy must fail cleanly
	// rather than panic, which is exactly what dummyAdapter should surface.
	_, err := dummyAdapter{enc}.Dummy()
	require.Error(t, err)
}

func TestRejectPacketSilentlyDropsReplay(t *testing.T) {
	n := &Node{
		log:       testLog(),
		collector: metrics.NewCollector("test-node", nil),
	}

	err := errs.New(errs.Replay, errors.New("duplicate packet id"))
	n.rejectPacket(err, "deadbeef")

	var d dto.Metric
	require.NoError(t, n.collector.PacketsDropped.WithLabelValues(string(errs.Replay)).Write(&d))
	require.Equal(t, float64(1), d.Counter.GetValue())
}

func TestRejectPacketCountsUnclassifiedErrors(t *testing.T) {
	n := &Node{
		log:       testLog(),
		collector: metrics.NewCollector("test-node", nil),
	}

	n.rejectPacket(errors.New("boom"), "")

	var d dto.Metric
	require.NoError(t, n.collector.PacketsDropped.WithLabelValues("unclassified").Write(&d))
	require.Equal(t, float64(1), d.Counter.GetValue())
}

// fakeSMTPServer is a minimal SMTP responder used to drive Node.deliver
// through a real net.Conn without a mail transfer agent.
type fakeSMTPServer struct {
	ln       net.Listener
	rcptCode int
}

func startFakeSMTPServer(t *testing.T, rcptCode int) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTPServer{ln: ln, rcptCode: rcptCode}
	go s.serve()
	return s
}

func (s *fakeSMTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	tp.PrintfLine("220 fake.example.com ready")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"):
			tp.PrintfLine("250 fake.example.com")
		case strings.HasPrefix(upper, "MAIL FROM"):
			tp.PrintfLine("250 OK")
		case strings.HasPrefix(upper, "RCPT TO"):
			tp.PrintfLine("%d rejected", s.rcptCode)
		case strings.HasPrefix(upper, "DATA"):
			tp.PrintfLine("354 send data")
			r := bufio.NewReader(tp.R)
			for {
				l, err := r.ReadString('\n')
				if err != nil || l == ".\r\n" || l == ".\n" {
					break
				}
			}
			tp.PrintfLine("250 queued")
		case strings.HasPrefix(upper, "QUIT"):
			tp.PrintfLine("221 bye")
			return
		default:
			tp.PrintfLine("250 OK")
		}
	}
}

func (s *fakeSMTPServer) close() { s.ln.Close() }

func (s *fakeSMTPServer) addr() string { return s.ln.Addr().String() }

func TestDeliverQueuesTransientFailureIntoPool(t *testing.T) {
	srv := startFakeSMTPServer(t, 450)
	defer srv.close()

	dir := t.TempDir()
	sender := smtpclient.New(smtpclient.Config{
		Server: srv.addr(), From: "remailer@example.com", Timeout: 2 * time.Second,
	})

	n := &Node{
		log: testLog(),
		cfg: config.Default(),
		smtp: sender,
		pool: pool.New(pool.Config{Dir: dir}, sender, nil, nil, testLog()),
	}

	err := n.deliver(context.Background(), decode.Result{
		Recipients: []string{"alice@example.com"},
		Body:       []byte("hello"),
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(raw), "alice@example.com")
}

func TestDeliverDiscardsFatalFailureWithoutQueuing(t *testing.T) {
	srv := startFakeSMTPServer(t, 550)
	defer srv.close()

	dir := t.TempDir()
	sender := smtpclient.New(smtpclient.Config{
		Server: srv.addr(), From: "remailer@example.com", Timeout: 2 * time.Second,
	})

	n := &Node{
		log: testLog(),
		cfg: config.Default(),
		smtp: sender,
		pool: pool.New(pool.Config{Dir: dir}, sender, nil, nil, testLog()),
	}

	err := n.deliver(context.Background(), decode.Result{
		Recipients: []string{"bob@example.com"},
		Body:       []byte("hello"),
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 0)
}
