// Package notification delivers validated signals and operational alerts to
// external channels (log, Telegram, webhooks).
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"signalwatch/internal/logger"
	"signalwatch/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`

	// Signal is set when the alert carries a validated crossover.
	Signal *model.SignalValidation `json:"signal,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// AlertSink receives validated signals from the pipeline.
type AlertSink interface {
	OnSignal(ctx context.Context, v model.SignalValidation, symbol string, price float64) error
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(ctx context.Context, v model.SignalValidation, symbol string, price float64) error

func (f SinkFunc) OnSignal(ctx context.Context, v model.SignalValidation, symbol string, price float64) error {
	return f(ctx, v, symbol, price)
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.L()
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	fields := append([]zap.Field{
		zap.String("level", string(alert.Level)),
		zap.String("message", alert.Message),
	}, logger.LogWithTrace(ctx)...)
	n.log.Info(alert.Title, fields...)
	return nil
}

// SignalAlert renders a validated crossover as a plain-text alert.
func SignalAlert(v model.SignalValidation, symbol string, price float64) Alert {
	title := fmt.Sprintf("%s %s MACD crossover (%s)",
		strings.ToUpper(symbol), v.Cross.Direction(), v.Interval)

	var b strings.Builder
	fmt.Fprintf(&b, "Price: %s\n", formatPrice(price))
	fmt.Fprintf(&b, "MACD: %.6g  Signal: %.6g\n", v.Cross.MACD, v.Cross.Signal)
	fmt.Fprintf(&b, "Bar: %s\n", model.Candle{OpenTimeMillis: v.Cross.TimeMillis}.OpenTime().Format("2006-01-02 15:04 MST"))
	for _, r := range v.Reasons {
		mark := "✗"
		if r.Passed {
			mark = "✓"
		}
		fmt.Fprintf(&b, "%s %s\n", mark, r.Label)
	}

	sig := v
	return Alert{
		Level:   AlertInfo,
		Title:   title,
		Message: strings.TrimRight(b.String(), "\n"),
		Signal:  &sig,
	}
}

func formatPrice(p float64) string {
	switch {
	case p >= 1000:
		return fmt.Sprintf("%.2f", p)
	case p >= 1:
		return fmt.Sprintf("%.4f", p)
	default:
		return fmt.Sprintf("%.8f", p)
	}
}

// Sink adapts a Notifier to AlertSink.
type Sink struct {
	Notifier Notifier
}

func (s Sink) OnSignal(ctx context.Context, v model.SignalValidation, symbol string, price float64) error {
	return s.Notifier.Send(ctx, SignalAlert(v, symbol, price))
}

// Multi delivers to every sink and joins their errors. One failing sink
// never prevents delivery to the others.
type Multi []AlertSink

func (m Multi) OnSignal(ctx context.Context, v model.SignalValidation, symbol string, price float64) error {
	var errs []error
	for _, s := range m {
		if err := s.OnSignal(ctx, v, symbol, price); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
