package action

import "log/slog"

// Observer receives the two observation points of a dispatch: the response
// body of a completed delivery and the detail of a failed one.
type Observer interface {
	Response(target string, statusCode int, body []byte)
	Error(target string, err error)
}

// LogObserver writes both observation points to a structured logger.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) Response(target string, statusCode int, body []byte) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dispatch_response",
		slog.String("target", target),
		slog.Int("status", statusCode),
		slog.String("body", string(body)),
	)
}

func (o LogObserver) Error(target string, err error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("dispatch_failed",
		slog.String("target", target),
		slog.Any("err", err),
	)
}

type nopObserver struct{}

func (nopObserver) Response(string, int, []byte) {}
func (nopObserver) Error(string, error)          {}
