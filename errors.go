package livegraph

import (
	"fmt"
	"log/slog"
)

// ErrorHandler defines the interface for handling asynchronous coordination
// errors: engine restart failures, slow mutations, detach failures during a
// coalesced flush. Synchronous closure errors propagate to the caller and do
// not go through this interface.
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs errors through slog.
type DefaultErrorHandler struct {
	Logger *slog.Logger
}

// HandleError implements ErrorHandler.
func (h *DefaultErrorHandler) HandleError(err error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("livegraph: coordination error", "err", err)
}

// LoggingErrorHandler wraps another handler and additionally invokes a
// logging callback for every error.
type LoggingErrorHandler struct {
	underlying ErrorHandler
	logger     func(error)
}

// NewLoggingErrorHandler creates a new logging error handler.
func NewLoggingErrorHandler(underlying ErrorHandler, logger func(error)) *LoggingErrorHandler {
	return &LoggingErrorHandler{
		underlying: underlying,
		logger:     logger,
	}
}

// HandleError implements ErrorHandler.
func (h *LoggingErrorHandler) HandleError(err error) {
	if h.logger != nil {
		h.logger(err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error (useful for development).
type PanicErrorHandler struct{}

// HandleError implements ErrorHandler.
func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("livegraph error: %v", err))
}
