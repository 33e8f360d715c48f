package relay

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/omnibot/omnirelay/log2"
)

const (
	DefaultReadTimeout  = 600 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 64 << 10
)

var ErrClosing = fmt.Errorf("closing")

type ConnOptions struct {
	Log *log2.Log
	// robot read deadline, expiry triggers extra ping, not disconnect
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int
}

func (o *ConnOptions) defaults() {
	if o.ReadTimeout == 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadLimit == 0 {
		o.ReadLimit = DefaultReadLimit
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func parseURI(s string) (scheme, hostport string, err error) {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return "", "", err
	}
	return u.Scheme, u.Host, nil
}

func isTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}
