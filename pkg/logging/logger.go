package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Log = logrus.StandardLogger()

func InitLogger(debug bool) {
	Log = logrus.New()
	Log.Out = os.Stdout

	if debug {
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetLevel(logrus.InfoLevel)
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
}

// ForNode tags entries with the local node id.
func ForNode(nodeID string) *logrus.Entry {
	return Log.WithField("node", nodeID)
}

// ForTransfer tags entries with a transfer id and role.
func ForTransfer(id, role string) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"transfer_id": id,
		"role":        role,
	})
}
