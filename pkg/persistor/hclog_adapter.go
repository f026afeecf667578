package persistor

import (
	"fmt"
	"io"
	stdlog "log"

	"github.com/hashicorp/go-hclog"
	zlog "github.com/rs/zerolog"
)

// hclogAdapter forwards hashicorp/raft's hclog calls into a component
// zerolog.Logger, so Raft's own log lines flow through the same
// structured-logging pipeline as the rest of the engine instead of
// raft's default stderr writer.
type hclogAdapter struct {
	logger zlog.Logger
	name   string
}

func newHclogAdapter(logger zlog.Logger) hclog.Logger {
	return &hclogAdapter{logger: logger, name: "raft"}
}

func (h *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	evt := h.eventForLevel(level)
	evt.Fields(argsToFields(args)).Msg(msg)
}

func (h *hclogAdapter) eventForLevel(level hclog.Level) *zlog.Event {
	switch level {
	case hclog.Trace, hclog.Debug:
		return h.logger.Debug()
	case hclog.Warn:
		return h.logger.Warn()
	case hclog.Error:
		return h.logger.Error()
	default:
		return h.logger.Info()
	}
}

func argsToFields(args []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key := fmt.Sprintf("%v", args[i])
		fields[key] = args[i+1]
	}
	return fields
}

func (h *hclogAdapter) Trace(msg string, args ...interface{}) { h.Log(hclog.Trace, msg, args...) }
func (h *hclogAdapter) Debug(msg string, args ...interface{}) { h.Log(hclog.Debug, msg, args...) }
func (h *hclogAdapter) Info(msg string, args ...interface{})  { h.Log(hclog.Info, msg, args...) }
func (h *hclogAdapter) Warn(msg string, args ...interface{})  { h.Log(hclog.Warn, msg, args...) }
func (h *hclogAdapter) Error(msg string, args ...interface{}) { h.Log(hclog.Error, msg, args...) }

func (h *hclogAdapter) IsTrace() bool { return true }
func (h *hclogAdapter) IsDebug() bool { return true }
func (h *hclogAdapter) IsInfo() bool  { return true }
func (h *hclogAdapter) IsWarn() bool  { return true }
func (h *hclogAdapter) IsError() bool { return true }

func (h *hclogAdapter) ImpliedArgs() []interface{} { return nil }

func (h *hclogAdapter) With(args ...interface{}) hclog.Logger {
	fields := argsToFields(args)
	ctx := h.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &hclogAdapter{logger: ctx.Logger(), name: h.name}
}

func (h *hclogAdapter) Name() string { return h.name }

func (h *hclogAdapter) Named(name string) hclog.Logger {
	return &hclogAdapter{logger: h.logger.With().Str("subcomponent", name).Logger(), name: name}
}

func (h *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return h.Named(name)
}

func (h *hclogAdapter) SetLevel(hclog.Level) {}

func (h *hclogAdapter) GetLevel() hclog.Level { return hclog.Info }

func (h *hclogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *stdlog.Logger {
	return stdlog.New(io.Discard, "", 0)
}

func (h *hclogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return io.Discard
}
