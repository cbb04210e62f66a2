package trunk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

const maxUserLen = 64

var (
	errEmptyURI = errors.New("empty address")
	errBadUser  = errors.New("bad user part")
	errNoHost   = errors.New("missing host")
)

// uri resolves an extension, user@host or sip: URI to the request URI.
// A bare extension lands in the configured realm.
func (t *Transport) uri(s string) (sip.Uri, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return sip.Uri{}, errEmptyURI
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		if !strings.Contains(s, "@") {
			if err := checkUser(s); err != nil {
				return sip.Uri{}, err
			}
			if t.cfg.Realm == "" {
				return sip.Uri{}, errNoHost
			}
			return sip.Uri{User: s, Host: t.cfg.Realm}, nil
		}
		s = "sip:" + s
	}

	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		return sip.Uri{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if err := checkUser(u.User); err != nil {
		return sip.Uri{}, err
	}
	if u.Host == "" {
		return sip.Uri{}, errNoHost
	}
	return u, nil
}

// checkUser allows dial strings and plain account names.
func checkUser(user string) error {
	if user == "" || len(user) > maxUserLen {
		return errBadUser
	}
	for _, r := range user {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case strings.ContainsRune("-_.+*#!~", r):
		default:
			return errBadUser
		}
	}
	return nil
}

func validTone(tone string) bool {
	if tone == "" {
		return false
	}
	for _, r := range tone {
		if !strings.ContainsRune("0123456789*#ABCD", r) {
			return false
		}
	}
	return true
}
