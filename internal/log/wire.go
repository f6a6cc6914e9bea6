package log

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	wirePattern    = "%time [%level] %field\n%msg\n"
	wireTimeLayout = "2006-01-02 15:04:05.000000"
)

var (
	wireOnce   sync.Once
	wireLogger *logrus.Logger
)

// Wire returns the logger used for protocol wire dumps. Callers gate it on
// their own debug switch; the logger itself always accepts debug entries.
func Wire() *logrus.Logger {
	wireOnce.Do(func() {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.DebugLevel)
		l.SetFormatter(&formatter{pattern: wirePattern, time: wireTimeLayout})
		wireLogger = l
	})
	return wireLogger
}

// SetWireOutput redirects wire dumps, e.g. to the rotating log file.
func SetWireOutput(w io.Writer) {
	Wire().SetOutput(w)
}
