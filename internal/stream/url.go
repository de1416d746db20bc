package stream

import (
	"net/url"
	"strings"

	"github.com/tphakala/lightfield/internal/errors"
)

// RedactURL replaces any user info in a stream URL with "***". Unparseable
// input is returned with everything before the last '@' masked.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.LastIndex(raw, "@"); i >= 0 {
			if j := strings.Index(raw, "://"); j >= 0 && j < i {
				return raw[:j+3] + "***" + raw[i:]
			}
			return "***" + raw[i:]
		}
		return raw
	}
	if u.User == nil {
		return u.String()
	}
	u.User = nil
	s := u.String()
	prefix := u.Scheme + "://"
	return prefix + "***@" + strings.TrimPrefix(s, prefix)
}

// ParseCredentials splits user info from an RTSP URL and returns the URL
// without it.
func ParseCredentials(raw string) (clean, username, password string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", errors.New(err).
			Component("stream").
			Category(errors.CategoryValidation).
			Context("url", RedactURL(raw)).
			Build()
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return "", "", "", errors.Newf("unsupported stream scheme %q", u.Scheme).
			Component("stream").
			Category(errors.CategoryValidation).
			Context("url", RedactURL(raw)).
			Build()
	}
	if u.Host == "" {
		return "", "", "", errors.Newf("stream URL has no host").
			Component("stream").
			Category(errors.CategoryValidation).
			Context("url", RedactURL(raw)).
			Build()
	}
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
		u.User = nil
	}
	return u.String(), username, password, nil
}
