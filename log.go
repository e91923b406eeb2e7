package rmstore

import "github.com/sirupsen/logrus"

// newLogger builds the package's field-keyed logger, grounded on
// helix/trace.go's log.WithField("CALLBACK", val).Infof(...) call shape
// (originally github.com/Sirupsen/logrus; this package uses the maintained
// lowercase import path instead).
func newLogger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
