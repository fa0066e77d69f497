// Package smtpclient is the concrete implementation of the outbound SMTP
// collaborator: it satisfies pool.SMTPSender by dialing the configured
// relay and classifying the reply into the transient/fatal/connection-level
// error kinds the pool's drain loop branches on. There is no third-party
// SMTP client anywhere in the reference pack — every "mail" concern there
// is an inbound webhook or a carrier HTTP API, never an outbound MTA hand-off
// — so this is one of the few places this node reaches for the standard
// library instead of an ecosystem package.
package smtpclient

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"mix-remailer/internal/errs"
	"mix-remailer/internal/pool"
)

// Config holds the mail.* options this collaborator needs: the relay
// address and the operator's envelope-from address plus optional auth.
type Config struct {
	Server   string
	From     string
	Username string
	Password string
	Timeout  time.Duration
}

// Client sends pool.Email messages over SMTP.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg}
}

// Send dials the relay, issues MAIL/RCPT/DATA for email, and classifies any
// failure. A 4xx SMTP reply becomes errs.SMTPTransient (leave the pool file
// for the next tick); a 5xx reply becomes errs.SMTPFatal (discard that one
// message); a dial failure or anything else unclassifiable is returned
// bare, which the pool's drain loop treats as a connection-level failure
// that aborts the rest of the tick.
func (c *Client) Send(ctx context.Context, email pool.Email) error {
	host, _, err := net.SplitHostPort(c.cfg.Server)
	if err != nil {
		host = c.cfg.Server
	}

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Server)
	if err != nil {
		return fmt.Errorf("smtpclient: dialing %s: %w", c.cfg.Server, err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtpclient: establishing session with %s: %w", c.cfg.Server, err)
	}
	defer client.Close()

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, host)
		if err := client.Auth(auth); err != nil {
			return classify(err)
		}
	}

	if err := client.Mail(c.cfg.From); err != nil {
		return classify(err)
	}
	if err := client.Rcpt(email.To); err != nil {
		return classify(err)
	}

	w, err := client.Data()
	if err != nil {
		return classify(err)
	}
	if _, err := w.Write([]byte(email.Body)); err != nil {
		w.Close()
		return classify(err)
	}
	if err := w.Close(); err != nil {
		return classify(err)
	}

	return client.Quit()
}

// classify maps an SMTP protocol error to the pool's transient/fatal error
// kinds by reply code; anything not shaped like a textproto.Error (a dial
// timeout, a reset connection) is returned unwrapped so the caller treats
// it as a connection-level failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	pe, ok := err.(*textproto.Error)
	if !ok {
		return err
	}
	switch pe.Code / 100 {
	case 4:
		return errs.New(errs.SMTPTransient, pe)
	case 5:
		return errs.New(errs.SMTPFatal, pe)
	default:
		return pe
	}
}
