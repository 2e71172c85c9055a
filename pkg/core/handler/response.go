package handler

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/theproductiveprogrammer/pm2/internal/version"
)

var errorPage = template.Must(template.New("error").Parse(`<head>
<title>Error response</title>
</head>
<body>
<h1>Error response</h1>
<p>Error code {{.Code}}.
<p>Message: {{.Message}}.
<p>Error code explanation: {{.Code}} = {{.Explain}}.
</body>
`))

var explanations = map[int]string{
	400: "Bad request syntax or unsupported method",
	414: "URI is too long.",
	501: "Server does not support this operation",
	505: "Cannot fulfill request.",
}

// htmlQuoter escapes the message only as far as needed to keep it out of markup.
var htmlQuoter = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// errorResponse is an HTTP/1.0 error reply that closes the connection.
type errorResponse struct {
	status  int
	message string
	header  http.Header
	body    []byte
	// simple responses answer HTTP/0.9 requests: body only, no status line or headers.
	simple   bool
	omitBody bool
}

func newErrorResponse(status int, message string) *errorResponse {
	explain, ok := explanations[status]
	if !ok {
		explain = http.StatusText(status)
	}

	var body bytes.Buffer
	errorPage.Execute(&body, struct { //nolint:errcheck
		Code    int
		Message string
		Explain string
	}{status, htmlQuoter.Replace(message), explain})

	header := make(http.Header)
	header.Set("Server", version.ServerToken())
	header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	header.Set("Content-Type", "text/html")
	header.Set("Content-Length", strconv.Itoa(body.Len()))
	header.Set("Connection", "close")

	return &errorResponse{
		status:  status,
		message: message,
		header:  header,
		body:    body.Bytes(),
	}
}

// writeTo writes the response and reports how many bytes reached w.
func (r *errorResponse) writeTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	if !r.simple {
		fmt.Fprintf(bw, "HTTP/1.0 %d %s\r\n", r.status, r.message)
		if err := r.header.Write(bw); err != nil {
			return cw.n, err
		}
		bw.WriteString("\r\n") //nolint:errcheck
	}
	if !r.omitBody {
		bw.Write(r.body) //nolint:errcheck
	}

	err := bw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
