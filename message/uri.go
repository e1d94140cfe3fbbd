package message

import (
	"strconv"
	"strings"
)

// URI is a sip: or sips: URI, per RFC 3261 §19.1.
type URI struct {
	Encrypted bool
	User      string
	Password  string
	Host      string
	Port      int
	Params    Params
}

func (u URI) String() string {
	var b strings.Builder
	if u.Encrypted {
		b.WriteString("sips:")
	} else {
		b.WriteString("sip:")
	}
	if u.User != "" {
		b.WriteString(u.User)
		if u.Password != "" {
			b.WriteString(":")
			b.WriteString(u.Password)
		}
		b.WriteString("@")
	}
	b.WriteString(u.Host)
	if u.Port > 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(u.Port))
	}
	if len(u.Params) > 0 {
		u.Params.ToStringWrite(';', &b)
	}
	return b.String()
}

// HostPort renders "host:port", defaulting the port to 5060 when unset.
func (u URI) HostPort() string {
	port := u.Port
	if port == 0 {
		port = 5060
	}
	return u.Host + ":" + strconv.Itoa(port)
}

func (u URI) Clone() URI {
	c := u
	c.Params = u.Params.Clone()
	return c
}

// ParseURI parses a minimal "sip:user:pass@host:port;params" URI.
// Angle brackets, if present, must already be stripped by the caller.
func ParseURI(s string) (URI, error) {
	u := URI{}
	rest := s
	switch {
	case strings.HasPrefix(rest, "sips:"):
		u.Encrypted = true
		rest = rest[len("sips:"):]
	case strings.HasPrefix(rest, "sip:"):
		rest = rest[len("sip:"):]
	}

	if i := strings.IndexByte(rest, ';'); i >= 0 {
		params, err := parseParamString(rest[i+1:])
		if err != nil {
			return u, err
		}
		u.Params = params
		rest = rest[:i]
	}

	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		userinfo := rest[:at]
		rest = rest[at+1:]
		if c := strings.IndexByte(userinfo, ':'); c >= 0 {
			u.User, u.Password = userinfo[:c], userinfo[c+1:]
		} else {
			u.User = userinfo
		}
	}

	if c := strings.LastIndexByte(rest, ':'); c >= 0 && !strings.Contains(rest[c:], "]") {
		if p, err := strconv.Atoi(rest[c+1:]); err == nil {
			u.Port = p
			rest = rest[:c]
		}
	}
	u.Host = rest
	return u, nil
}

func parseParamString(s string) (Params, error) {
	p := NewParams()
	if s == "" {
		return p, nil
	}
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			p.Add(part[:i], part[i+1:])
		} else {
			p.Add(part, "")
		}
	}
	return p, nil
}
