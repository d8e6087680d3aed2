// Package h1 runs the plaintext HTTP/1.x listener that sends browsers and
// scripts to the TLS port with a permanent redirect.
package h1

import (
	"bytes"
	"errors"
	"fmt"
)

// maxRequestHead bounds the request line plus headers.
const maxRequestHead = 8 << 10

var (
	errHeadTooLarge = errors.New("h1: request head too large")
	errBadRequest   = errors.New("h1: malformed request")
)

var crlf = []byte("\r\n")

// request holds the parts of a request head the redirector needs.
type request struct {
	Method        string
	Target        string
	Version       string
	Host          string
	ContentLength int64
	Chunked       bool
	KeepAlive     bool
}

// parseRequest parses one request head from buf. It returns the number of
// bytes consumed, or 0 if the head is not complete yet.
func parseRequest(buf []byte, req *request) (int, error) {
	*req = request{}
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end < 0 {
		if len(buf) > maxRequestHead {
			return 0, errHeadTooLarge
		}
		return 0, nil
	}
	if end+4 > maxRequestHead {
		return 0, errHeadTooLarge
	}
	head := buf[:end+2]

	i := bytes.Index(head, crlf)
	if err := parseRequestLine(head[:i], req); err != nil {
		return 0, err
	}
	req.KeepAlive = req.Version == "HTTP/1.1"
	for rest := head[i+2:]; len(rest) > 0; {
		j := bytes.Index(rest, crlf)
		line := rest[:j]
		rest = rest[j+2:]
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return 0, fmt.Errorf("%w: header line %q", errBadRequest, line)
		}
		if err := req.header(bytes.TrimSpace(line[:colon]), bytes.TrimSpace(line[colon+1:])); err != nil {
			return 0, err
		}
	}
	return end + 4, nil
}

// parseRequestLine parses METHOD SP TARGET SP VERSION.
func parseRequestLine(line []byte, req *request) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return fmt.Errorf("%w: request line %q", errBadRequest, line)
	}
	req.Method = string(parts[0])
	req.Target = string(parts[1])
	req.Version = string(parts[2])
	if req.Version != "HTTP/1.1" && req.Version != "HTTP/1.0" {
		return fmt.Errorf("%w: version %q", errBadRequest, req.Version)
	}
	return nil
}

func (req *request) header(name, value []byte) error {
	switch {
	case asciiEqualFold(name, "Host"):
		req.Host = string(value)
	case asciiEqualFold(name, "Content-Length"):
		n, ok := parseInt64(value)
		if !ok {
			return fmt.Errorf("%w: content-length %q", errBadRequest, value)
		}
		req.ContentLength = n
	case asciiEqualFold(name, "Transfer-Encoding"):
		if asciiContainsFold(value, "chunked") {
			req.Chunked = true
		}
	case asciiEqualFold(name, "Connection"):
		if asciiContainsFold(value, "close") {
			req.KeepAlive = false
		} else if asciiContainsFold(value, "keep-alive") {
			req.KeepAlive = true
		}
	}
	return nil
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c | 0x20
	}
	return c
}

// asciiEqualFold reports whether b equals s ignoring ASCII case.
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := range len(b) {
		if lower(b[i]) != lower(s[i]) {
			return false
		}
	}
	return true
}

// asciiContainsFold reports whether b contains sub ignoring ASCII case.
func asciiContainsFold(b []byte, sub string) bool {
	for i := 0; i+len(sub) <= len(b); i++ {
		if asciiEqualFold(b[i:i+len(sub)], sub) {
			return true
		}
	}
	return false
}

func parseInt64(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
