package sip

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Address is a signaling address of the form
// `"display" <sip:user@host:port>` or a bare URI.
type Address struct {
	Display string
	Scheme  string
	User    string
	Host    string
	Port    int
}

// ParseAddress accepts both the quoted-display and the bare forms. A URI
// without a scheme gets "sip".
func ParseAddress(value string) (Address, error) {
	var a Address
	value = strings.TrimSpace(value)
	if value == "" {
		return a, errors.New("sip: empty address")
	}
	if i := strings.IndexByte(value, '<'); i >= 0 {
		j := strings.IndexByte(value, '>')
		if j < i {
			return a, errors.Errorf("sip: malformed address %q", value)
		}
		a.Display = strings.Trim(strings.TrimSpace(value[:i]), "\"")
		value = value[i+1 : j]
	}
	if i := strings.IndexByte(value, ':'); i >= 0 && !strings.ContainsAny(value[:i], "@.") {
		a.Scheme, value = value[:i], value[i+1:]
	} else {
		a.Scheme = "sip"
	}
	if i := strings.IndexByte(value, '@'); i >= 0 {
		a.User, value = value[:i], value[i+1:]
	}
	if i := strings.LastIndexByte(value, ':'); i >= 0 && !strings.Contains(value, "]") {
		port, err := strconv.Atoi(value[i+1:])
		if err != nil {
			return a, errors.Wrapf(err, "sip: bad port in %q", value)
		}
		a.Port, value = port, value[:i]
	}
	a.Host = value
	if a.Host == "" {
		return a, errors.Errorf("sip: address %q has no host", value)
	}
	return a, nil
}

func (a Address) URI() string {
	var b strings.Builder
	b.WriteString(a.Scheme)
	b.WriteByte(':')
	if a.User != "" {
		b.WriteString(a.User)
		b.WriteByte('@')
	}
	b.WriteString(a.Host)
	if a.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(a.Port))
	}
	return b.String()
}

func (a Address) String() string {
	if a.Display != "" {
		return "\"" + a.Display + "\" <" + a.URI() + ">"
	}
	return a.URI()
}
