package handler

import (
	"bufio"
	"errors"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	config "github.com/theproductiveprogrammer/pm2/pkg/core/config"
	"github.com/theproductiveprogrammer/pm2/pkg/metrics"
	"go.uber.org/zap"
)

// Handler serves a single accepted connection. Handle owns conn and must close it.
type Handler interface {
	Handle(conn net.Conn)
}

// Func adapts a plain function to the Handler interface.
type Func func(conn net.Conn)

// Handle calls f(conn).
func (f Func) Handle(conn net.Conn) {
	f(conn)
}

// Writer receives a record of every exchange the default handler completes.
type Writer interface {
	LogExchange(ex *Exchange) error
}

// Timing holds the points in time of one exchange.
type Timing struct {
	Accepted        time.Time
	RequestRead     time.Time
	ResponseWritten time.Time
	Closed          time.Time
}

// Exchange describes one handled connection.
type Exchange struct {
	ConnID      string
	RemoteAddr  string
	RequestLine string
	Method      string
	Path        string
	Proto       string
	RequestID   string
	Status      int
	BytesSent   int64
	Timing      Timing
	Err         error
}

// Default answers every request the way an unconfigured HTTP/1.0 request
// handler does: a well-formed request gets 501, a malformed one 400, and a
// connection that sends nothing is closed without a reply. One request is
// served per connection.
type Default struct {
	Writer         Writer
	Logger         *zap.Logger
	Headers        map[string]string
	SetRequestID   bool
	LoggingEnabled bool
	ExcludeRegexp  *regexp.Regexp
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// NewDefault builds the default handler from cfg. w may be nil.
func NewDefault(cfg *config.TranslatedConfig, w Writer, logger *zap.Logger) *Default {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Default{
		Writer:         w,
		Logger:         logger,
		Headers:        cfg.Headers,
		SetRequestID:   cfg.SetRequestID,
		LoggingEnabled: cfg.LoggingEnabled,
		ExcludeRegexp:  cfg.ExcludeRegexp,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}
}

// Handle implements Handler.
func (h *Default) Handle(conn net.Conn) {
	ex := &Exchange{
		ConnID: uuid.NewString(),
		Timing: Timing{Accepted: time.Now()},
	}
	if addr := conn.RemoteAddr(); addr != nil {
		ex.RemoteAddr = addr.String()
	}

	defer func() {
		if err := conn.Close(); err != nil && ex.Err == nil {
			ex.Err = err
		}
		ex.Timing.Closed = time.Now()
		h.report(ex)
	}()

	if h.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(h.ReadTimeout)) //nolint:errcheck
	}

	req, err := readRequest(bufio.NewReader(conn))
	ex.Timing.RequestRead = time.Now()
	if req != nil {
		ex.RequestLine = req.line
		ex.Method = req.method
		ex.Path = req.target
		ex.Proto = req.proto
	}

	var status int
	var message string
	var reqErr *requestError
	switch {
	case errors.Is(err, errEmptyRequest):
		metrics.ConnectionErrorsTotal.WithLabelValues("empty").Inc()
		return
	case errors.As(err, &reqErr):
		status, message = reqErr.status, reqErr.message
	case err != nil:
		metrics.ConnectionErrorsTotal.WithLabelValues("read").Inc()
		ex.Err = err
		return
	default:
		status, message = 501, "Unsupported method ('"+req.method+"')"
	}

	if h.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout)) //nolint:errcheck
	}

	resp := h.buildResponse(req, reqErr == nil, ex, status, message)
	n, err := resp.writeTo(conn)
	ex.Status = status
	ex.BytesSent = n
	ex.Timing.ResponseWritten = time.Now()
	if err != nil {
		metrics.ConnectionErrorsTotal.WithLabelValues("write").Inc()
		ex.Err = err
		return
	}

	metrics.ResponsesTotal.WithLabelValues(methodLabel(ex.Method), strconv.Itoa(status)).Inc()
	metrics.ResponseSizeBytes.Observe(float64(n))
}

// buildResponse shapes the reply. A request line that was read but rejected
// never gets its version or method adopted, so the reply is a full-body
// HTTP/0.9 one. Only an accepted request can suppress the body with HEAD.
func (h *Default) buildResponse(req *request, accepted bool, ex *Exchange, status int, message string) *errorResponse {
	resp := newErrorResponse(status, message)
	switch {
	case req == nil:
	case !accepted:
		resp.simple = true
	default:
		resp.simple = req.proto == proto09
		resp.omitBody = req.method == "HEAD"
	}

	for k, v := range h.Headers {
		resp.header.Set(k, v)
	}

	if h.SetRequestID {
		requestID := ""
		if req != nil && req.header != nil {
			requestID = req.header.Get("X-Request-Id")
		}
		if requestID == "" {
			requestID = ex.ConnID
		}
		resp.header.Set("X-Request-Id", requestID)
		ex.RequestID = requestID
	}

	return resp
}

func (h *Default) report(ex *Exchange) {
	metrics.ConnectionDuration.Observe(ex.Timing.Closed.Sub(ex.Timing.Accepted).Seconds())

	if ex.Err != nil {
		h.Logger.Debug("connection ended with error",
			zap.String("conn_id", ex.ConnID),
			zap.String("remote_addr", ex.RemoteAddr),
			zap.Error(ex.Err),
		)
	}

	if !h.LoggingEnabled || h.Writer == nil || ex.Status == 0 {
		return
	}

	if h.ExcludeRegexp != nil && h.ExcludeRegexp.MatchString(ex.Path) {
		return
	}

	if err := h.Writer.LogExchange(ex); err != nil {
		h.Logger.Warn("failed to write access log", zap.String("conn_id", ex.ConnID), zap.Error(err))
	}
}

// methodLabel bounds the cardinality of the method label.
func methodLabel(method string) string {
	switch method {
	case "GET", "HEAD", "POST", "PUT", "DELETE", "PATCH", "OPTIONS", "CONNECT", "TRACE":
		return method
	case "":
		return "none"
	}
	return "other"
}
