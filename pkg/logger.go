package poreflow

type Logger interface {
	Info(message string, module string)
	Error(string)
}

type discardLogger struct{}

func (discardLogger) Info(string, string) {}
func (discardLogger) Error(string)        {}

var logger Logger = discardLogger{}

func SetLogger(l Logger) {
	if l == nil {
		l = discardLogger{}
	}
	logger = l
}

// logInfo only reaches the logger when the configured verbosity asks for it.
func logInfo(message string, module string) {
	if configuration.Verbosity > 0 {
		logger.Info(message, module)
	}
}
