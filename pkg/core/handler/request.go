package handler

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
)

const (
	maxRequestLine = 65536
	proto09        = "HTTP/0.9"
)

var (
	errEmptyRequest = errors.New("connection closed before a request line was sent")
	errLineTooLong  = errors.New("request line too long")
)

// requestError is a request that was read but must be rejected with status.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("%d %s", e.status, e.message)
}

type request struct {
	line   string
	method string
	target string
	proto  string
	header textproto.MIMEHeader
}

// readRequest reads the request line and headers. The body is never read.
// A non-nil request may accompany a *requestError so the response can still
// honour the method and protocol of the request.
func readRequest(br *bufio.Reader) (*request, error) {
	raw, err := readLine(br, maxRequestLine)
	switch {
	case errors.Is(err, errLineTooLong):
		return nil, &requestError{status: 414, message: "Request-URI Too Long"}
	case errors.Is(err, io.EOF) && raw == "":
		return nil, errEmptyRequest
	case err != nil && !errors.Is(err, io.EOF):
		return nil, err
	}

	line := strings.TrimRight(raw, "\r\n")
	req := &request{line: line}

	words := strings.Fields(line)
	switch len(words) {
	case 0:
		return nil, errEmptyRequest
	case 3:
		req.method, req.target, req.proto = words[0], words[1], words[2]
		major, _, ok := parseVersion(req.proto)
		if !ok {
			return req, &requestError{status: 400, message: fmt.Sprintf("Bad request version ('%s')", req.proto)}
		}
		if major >= 2 {
			return req, &requestError{status: 505, message: fmt.Sprintf("Invalid HTTP Version (%s)", strings.TrimPrefix(req.proto, "HTTP/"))}
		}
	case 2:
		req.method, req.target, req.proto = words[0], words[1], proto09
		if req.method != "GET" {
			return req, &requestError{status: 400, message: fmt.Sprintf("Bad HTTP/0.9 request type ('%s')", req.method)}
		}
		return req, nil
	default:
		return req, &requestError{status: 400, message: fmt.Sprintf("Bad request syntax ('%s')", line)}
	}

	// A client that half-closes after the request line, or sends a header
	// line that does not parse, still gets an answer for its request line.
	header, err := textproto.NewReader(br).ReadMIMEHeader()
	req.header = header
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return req, err
	}

	return req, nil
}

// readLine reads up to and including '\n'. It fails with errLineTooLong once
// more than limit bytes arrive without a newline.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := br.ReadSlice('\n')
		if sb.Len()+len(chunk) > limit {
			return "", errLineTooLong
		}
		sb.Write(chunk)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return sb.String(), err
	}
}

// parseVersion parses "HTTP/major.minor".
func parseVersion(v string) (major, minor int, ok bool) {
	rest, found := strings.CutPrefix(v, "HTTP/")
	if !found {
		return 0, 0, false
	}
	maj, mnr, found := strings.Cut(rest, ".")
	if !found {
		return 0, 0, false
	}
	major, err := strconv.Atoi(maj)
	if err != nil || major < 0 {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(mnr)
	if err != nil || minor < 0 {
		return 0, 0, false
	}
	return major, minor, true
}
