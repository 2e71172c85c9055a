package zapwriter

import (
	"fmt"
	"time"

	"github.com/theproductiveprogrammer/pm2/pkg/core/handler"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ExchangeTiming contains the connection related time metrics of one exchange.
type ExchangeTiming struct {
	Accepted        time.Time
	RequestRead     time.Time
	ReadDuration    time.Duration
	ResponseWritten time.Time
	WriteDuration   time.Duration
	Closed          time.Time
	TotalDuration   time.Duration
}

// MarshalLogObject is used for the type safe JSON serialization of the ExchangeTiming struct.
func (t ExchangeTiming) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddTime("accepted", t.Accepted)
	enc.AddTime("request_read", t.RequestRead)
	enc.AddDuration("read_duration", t.ReadDuration)
	enc.AddTime("response_written", t.ResponseWritten)
	enc.AddDuration("write_duration", t.WriteDuration)
	enc.AddTime("closed", t.Closed)
	enc.AddDuration("total_duration", t.TotalDuration)
	return nil
}

// NewExchangeTiming derives the durations from the points in time recorded by the handler.
func NewExchangeTiming(ht handler.Timing) ExchangeTiming {
	t := ExchangeTiming{
		Accepted:        ht.Accepted,
		RequestRead:     ht.RequestRead,
		ResponseWritten: ht.ResponseWritten,
		Closed:          ht.Closed,
	}

	if !ht.RequestRead.IsZero() {
		t.ReadDuration = ht.RequestRead.Sub(ht.Accepted)
	}
	if !ht.ResponseWritten.IsZero() && !ht.RequestRead.IsZero() {
		t.WriteDuration = ht.ResponseWritten.Sub(ht.RequestRead)
	}
	if !ht.Closed.IsZero() {
		t.TotalDuration = ht.Closed.Sub(ht.Accepted)
	}

	return t
}

// Writer is being used to print out access logs via the zap library.
type Writer struct {
	Logger *zap.Logger
}

// LogExchange writes one access log line per answered connection.
func (w Writer) LogExchange(ex *handler.Exchange) error {
	if ex == nil {
		return fmt.Errorf("exchange is nil")
	}
	if w.Logger == nil {
		return fmt.Errorf("logger is nil")
	}

	fields := []zap.Field{
		zap.String("conn_id", ex.ConnID),
		zap.String("remote_addr", ex.RemoteAddr),
		zap.String("request_line", ex.RequestLine),
		zap.String("request_method", ex.Method),
		zap.String("request", ex.Path),
		zap.String("protocol", ex.Proto),
		zap.Int("status", ex.Status),
		zap.Int64("body_bytes_sent", ex.BytesSent),
		zap.Object("timing", NewExchangeTiming(ex.Timing)),
	}
	if ex.RequestID != "" {
		fields = append(fields, zap.String("request_id", ex.RequestID))
	}
	if ex.Err != nil {
		fields = append(fields, zap.Error(ex.Err))
	}

	w.Logger.Info("", fields...)

	return nil
}

var _ handler.Writer = Writer{}
