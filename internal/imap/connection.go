package imap

import (
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
)

// Mailbox holds everything needed to reach one remote mailbox.
type Mailbox struct {
	Host     string
	Port     int
	Username string
	Password string
	// UseTLS is true for production servers, false for test servers.
	UseTLS bool
	// ConnectTimeout bounds the dial; it also becomes the per-command
	// timeout so a stalled server cannot hang the worker loop.
	ConnectTimeout time.Duration
}

// Address returns the host:port dial address.
func (m Mailbox) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// connect dials and authenticates, returning a ready client. Failures are
// returned as typed *Error values so callers can tell a timeout from a bad
// password.
func connect(mailbox Mailbox) (*client.Client, error) {
	timeout := mailbox.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}

	var c *client.Client
	var err error
	if mailbox.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, mailbox.Address(), nil)
	} else {
		c, err = client.DialWithDialer(dialer, mailbox.Address())
	}
	if err != nil {
		return nil, classifyConnectError(err)
	}

	// Bound every subsequent command, not just the dial.
	c.Timeout = timeout

	if err := c.Login(mailbox.Username, mailbox.Password); err != nil {
		_ = c.Logout()
		return nil, classifyLoginError(err)
	}

	return c, nil
}

// logout closes a client, ignoring errors: the session is done either way.
func logout(c *client.Client) {
	if c != nil {
		_ = c.Logout()
	}
}
