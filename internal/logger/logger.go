package logger

import (
	"go.uber.org/zap"
)

// New returns a development logger for debug modes and a JSON production logger otherwise.
func New(mode string) (*zap.Logger, error) {
	switch mode {
	case "debug", "development":
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Init installs the logger as zap's global and returns its flush func.
func Init(mode string) (func(), error) {
	l, err := New(mode)
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(l)
	return func() {
		//nolint:errcheck
		l.Sync()
	}, nil
}
