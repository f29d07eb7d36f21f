// Package logging holds the process-wide logrus logger. Components obtain a
// child logger tagged with their name through New.
package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Setter adjusts the root logger.
type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()

		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})

		return l
	}(),
	mutex: &sync.Mutex{},
}

// Logger is what components log through.
type Logger interface {
	logrus.FieldLogger
}

// New returns a logger carrying a component field, applying setters to the
// root logger first.
func New(component string, setters ...Setter) Logger {
	for _, setter := range setters {
		if err := Set(setter); err != nil {
			root.logger.WithError(err).Warn("unable to apply logger setting")
		}
	}
	return root.logger.WithField("component", component)
}

// Set applies setter to the root logger.
func Set(setter Setter) error {
	root.mutex.Lock()
	defer root.mutex.Unlock()
	return setter(root.logger)
}

// Level sets the minimum level. An unparsable level leaves the current one
// in place and reports the error.
func Level(lvl string) Setter {
	return func(r *logrus.Logger) error {
		l, err := logrus.ParseLevel(lvl)
		if err != nil {
			return err
		}
		r.SetLevel(l)
		return nil
	}
}

// Output redirects log output.
func Output(w io.Writer) Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(w)
		return nil
	}
}

// JSON switches between the JSON and the text formatter.
func JSON(enabled bool) Setter {
	return func(r *logrus.Logger) error {
		if enabled {
			r.SetFormatter(&logrus.JSONFormatter{})
		} else {
			r.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
		return nil
	}
}
