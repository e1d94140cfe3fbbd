package message

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Write serialises r as wire-format bytes suitable for the transport
// collaborator. This is the serialiser half of the external-collaborator
// contract spec.md §6 describes.
func (r *Request) Write(w io.Writer) error {
	b := &bytes.Buffer{}
	fmt.Fprintf(b, "%s\r\n", r.StartLine())
	for _, v := range r.Via {
		fmt.Fprintf(b, "Via: %s\r\n", v.String())
	}
	fmt.Fprintf(b, "From: %s\r\n", r.From.String())
	fmt.Fprintf(b, "To: %s\r\n", r.To.String())
	fmt.Fprintf(b, "Call-ID: %s\r\n", r.CallID)
	fmt.Fprintf(b, "CSeq: %s\r\n", r.CSeq.String())
	if r.Contact != nil {
		fmt.Fprintf(b, "Contact: %s\r\n", r.Contact.String())
	}
	for _, u := range r.RecordRoute {
		fmt.Fprintf(b, "Record-Route: <%s>\r\n", u.String())
	}
	for _, u := range r.Route {
		fmt.Fprintf(b, "Route: <%s>\r\n", u.String())
	}
	if len(r.Require) > 0 {
		fmt.Fprintf(b, "Require: %s\r\n", strings.Join(r.Require, ", "))
	}
	if len(r.Supported) > 0 {
		fmt.Fprintf(b, "Supported: %s\r\n", strings.Join(r.Supported, ", "))
	}
	if r.RAck != nil {
		fmt.Fprintf(b, "RAck: %s\r\n", r.RAck.String())
	}
	fmt.Fprintf(b, "Max-Forwards: %d\r\n", r.MaxForwards)
	if r.ContentType != "" {
		fmt.Fprintf(b, "Content-Type: %s\r\n", r.ContentType)
	}
	fmt.Fprintf(b, "Content-Length: %d\r\n", len(r.Body))
	b.WriteString("\r\n")
	b.Write(r.Body)
	_, err := w.Write(b.Bytes())
	return err
}

func (r *Response) Write(w io.Writer) error {
	b := &bytes.Buffer{}
	fmt.Fprintf(b, "%s\r\n", r.StartLine())
	for _, v := range r.Via {
		fmt.Fprintf(b, "Via: %s\r\n", v.String())
	}
	fmt.Fprintf(b, "From: %s\r\n", r.From.String())
	fmt.Fprintf(b, "To: %s\r\n", r.To.String())
	fmt.Fprintf(b, "Call-ID: %s\r\n", r.CallID)
	fmt.Fprintf(b, "CSeq: %s\r\n", r.CSeq.String())
	if r.Contact != nil {
		fmt.Fprintf(b, "Contact: %s\r\n", r.Contact.String())
	}
	for _, u := range r.RecordRoute {
		fmt.Fprintf(b, "Record-Route: <%s>\r\n", u.String())
	}
	if len(r.Require) > 0 {
		fmt.Fprintf(b, "Require: %s\r\n", strings.Join(r.Require, ", "))
	}
	if r.RSeq != 0 {
		fmt.Fprintf(b, "RSeq: %d\r\n", r.RSeq)
	}
	if r.RAck != nil {
		fmt.Fprintf(b, "RAck: %s\r\n", r.RAck.String())
	}
	if r.ContentType != "" {
		fmt.Fprintf(b, "Content-Type: %s\r\n", r.ContentType)
	}
	fmt.Fprintf(b, "Content-Length: %d\r\n", len(r.Body))
	b.WriteString("\r\n")
	b.Write(r.Body)
	_, err := w.Write(b.Bytes())
	return err
}

// rawMessage is the intermediate parse result shared by requests and
// responses before the start line tells us which one we have.
type rawMessage struct {
	startLine string
	headers   []KV // key preserves original case for Display, lookups are case-insensitive
	body      []byte
}

func parseRaw(data []byte) (*rawMessage, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	startLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read start line: %w", err)
	}
	m := &rawMessage{startLine: strings.TrimRight(startLine, "\r\n")}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		// Header folding (leading whitespace continues the previous header).
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(m.headers) > 0 {
			last := &m.headers[len(m.headers)-1]
			last.V += " " + strings.TrimSpace(line)
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		m.headers = append(m.headers, KV{K: strings.TrimSpace(line[:i]), V: strings.TrimSpace(line[i+1:])})
	}

	rest, _ := io.ReadAll(reader)
	m.body = rest
	return m, nil
}

func (m *rawMessage) get(name string) (string, bool) {
	for _, kv := range m.headers {
		if strings.EqualFold(kv.K, name) || strings.EqualFold(kv.K, shortName(name)) {
			return kv.V, true
		}
	}
	return "", false
}

func (m *rawMessage) getAll(name string) []string {
	var out []string
	for _, kv := range m.headers {
		if strings.EqualFold(kv.K, name) || strings.EqualFold(kv.K, shortName(name)) {
			out = append(out, kv.V)
		}
	}
	return out
}

func shortName(name string) string {
	switch strings.ToLower(name) {
	case "via":
		return "v"
	case "call-id":
		return "i"
	case "from":
		return "f"
	case "to":
		return "t"
	case "contact":
		return "m"
	case "content-type":
		return "c"
	case "content-length":
		return "l"
	default:
		return name
	}
}

// Parse reads a single SIP message (request or response) from data and
// returns either a *Request or a *Response.
func Parse(data []byte) (any, error) {
	m, err := parseRaw(data)
	if err != nil {
		return nil, err
	}
	fields := strings.SplitN(m.startLine, " ", 3)
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed start line %q", m.startLine)
	}

	if strings.HasPrefix(fields[0], "SIP/") {
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("malformed status code: %w", err)
		}
		return parseResponse(m, fields[0], code, fields[2])
	}
	uri, err := ParseURI(fields[1])
	if err != nil {
		return nil, fmt.Errorf("malformed request-uri: %w", err)
	}
	return parseRequest(m, Method(fields[0]), uri, fields[2])
}

func parseCommon(m *rawMessage) (vias []Via, from, to Addr, callID string, cseq CSeq, contact *Addr, rr []URI, require []string, err error) {
	for _, raw := range m.getAll("Via") {
		v, e := parseVia(raw)
		if e != nil {
			err = e
			return
		}
		vias = append(vias, v)
	}
	if raw, ok := m.get("From"); ok {
		if from, err = parseAddr(raw); err != nil {
			return
		}
	}
	if raw, ok := m.get("To"); ok {
		if to, err = parseAddr(raw); err != nil {
			return
		}
	}
	callID, _ = m.get("Call-ID")
	if raw, ok := m.get("CSeq"); ok {
		if cseq, err = parseCSeq(raw); err != nil {
			return
		}
	}
	if raw, ok := m.get("Contact"); ok && raw != "*" {
		var c Addr
		if c, err = parseAddr(raw); err != nil {
			return
		}
		contact = &c
	}
	for _, raw := range m.getAll("Record-Route") {
		u, e := parseAddr(raw)
		if e != nil {
			err = e
			return
		}
		rr = append(rr, u.URI)
	}
	if raw, ok := m.get("Require"); ok {
		require = splitCSV(raw)
	}
	return
}

func parseRequest(m *rawMessage, method Method, uri URI, version string) (*Request, error) {
	vias, from, to, callID, cseq, contact, rr, require, err := parseCommon(m)
	if err != nil {
		return nil, err
	}
	r := &Request{
		Method:      method,
		RequestURI:  uri,
		SipVersion:  version,
		Via:         vias,
		From:        from,
		To:          to,
		CallID:      callID,
		CSeq:        cseq,
		Contact:     contact,
		RecordRoute: rr,
		Require:     require,
		Body:        m.body,
	}
	if raw, ok := m.get("Supported"); ok {
		r.Supported = splitCSV(raw)
	}
	if raw, ok := m.get("Max-Forwards"); ok {
		if v, e := strconv.Atoi(raw); e == nil {
			r.MaxForwards = uint32(v)
		}
	}
	r.ContentType, _ = m.get("Content-Type")
	for _, raw := range m.getAll("Route") {
		a, e := parseAddr(raw)
		if e != nil {
			return nil, e
		}
		r.Route = append(r.Route, a.URI)
	}
	if raw, ok := m.get("RAck"); ok {
		rack, e := parseRAck(raw)
		if e != nil {
			return nil, e
		}
		r.RAck = &rack
	}
	return r, nil
}

func parseResponse(m *rawMessage, version string, code int, reason string) (*Response, error) {
	vias, from, to, callID, cseq, contact, rr, require, err := parseCommon(m)
	if err != nil {
		return nil, err
	}
	r := &Response{
		SipVersion:  version,
		StatusCode:  code,
		Reason:      reason,
		Via:         vias,
		From:        from,
		To:          to,
		CallID:      callID,
		CSeq:        cseq,
		Contact:     contact,
		RecordRoute: rr,
		Require:     require,
		Body:        m.body,
	}
	r.ContentType, _ = m.get("Content-Type")
	if raw, ok := m.get("RSeq"); ok {
		if v, e := strconv.ParseUint(raw, 10, 32); e == nil {
			r.RSeq = uint32(v)
		}
	}
	if raw, ok := m.get("RAck"); ok {
		rack, e := parseRAck(raw)
		if e != nil {
			return nil, e
		}
		r.RAck = &rack
	}
	return r, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseVia(s string) (Via, error) {
	// "SIP/2.0/UDP host:port;branch=z9hG4bK...;..."
	v := Via{}
	rest := s
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		proto := rest[:i]
		rest = strings.TrimSpace(rest[i+1:])
		fields := strings.Split(proto, "/")
		if len(fields) == 3 {
			v.Transport = strings.ToUpper(fields[2])
		}
	} else {
		return v, fmt.Errorf("malformed via %q", s)
	}

	hostport := rest
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		hostport = rest[:i]
		params, err := parseParamString(rest[i+1:])
		if err != nil {
			return v, err
		}
		v.Params = params
	} else {
		v.Params = NewParams()
	}
	hostport = strings.TrimSpace(hostport)
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		v.Host = hostport[:i]
		if p, err := strconv.Atoi(hostport[i+1:]); err == nil {
			v.Port = p
		}
	} else {
		v.Host = hostport
	}
	return v, nil
}

func parseAddr(s string) (Addr, error) {
	a := Addr{Params: NewParams()}
	rest := strings.TrimSpace(s)

	if strings.HasPrefix(rest, `"`) {
		end := strings.IndexByte(rest[1:], '"')
		if end >= 0 {
			a.DisplayName = rest[1 : end+1]
			rest = strings.TrimSpace(rest[end+2:])
		}
	}

	uriPart := rest
	var paramPart string
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return a, fmt.Errorf("malformed address %q", s)
		}
		uriPart = rest[1:end]
		paramPart = strings.TrimPrefix(rest[end+1:], ";")
	} else if i := strings.IndexByte(rest, ';'); i >= 0 {
		uriPart = rest[:i]
		paramPart = rest[i+1:]
	}

	uri, err := ParseURI(strings.TrimSpace(uriPart))
	if err != nil {
		return a, err
	}
	a.URI = uri
	if paramPart != "" {
		params, err := parseParamString(paramPart)
		if err != nil {
			return a, err
		}
		a.Params = params
	}
	return a, nil
}

func parseCSeq(s string) (CSeq, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return CSeq{}, fmt.Errorf("malformed cseq %q", s)
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return CSeq{}, err
	}
	return CSeq{SeqNo: uint32(n), Method: Method(fields[1])}, nil
}

func parseRAck(s string) (RAck, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return RAck{}, fmt.Errorf("malformed rack %q", s)
	}
	rseq, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return RAck{}, err
	}
	cseq, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return RAck{}, err
	}
	return RAck{RSeq: uint32(rseq), CSeq: uint32(cseq), Method: Method(fields[2])}, nil
}
