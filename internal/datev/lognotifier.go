package datev

import "github.com/sirupsen/logrus"

// LogNotifier writes every notification to the log. It is the default sink
// when no accounting-application adapter is wired in, keeping the connector
// runnable on machines where only the transports are of interest.
type LogNotifier struct {
	log *logrus.Entry
}

func NewLogNotifier(log *logrus.Entry) *LogNotifier {
	return &LogNotifier{log: log.WithField("notifier", "log")}
}

func (l *LogNotifier) NewCall(n CallNotification) error {
	l.entry(n).Info("new call")
	return nil
}

func (l *LogNotifier) CallStateChanged(n CallNotification) error {
	l.entry(n).Info("call state changed")
	return nil
}

func (l *LogNotifier) CallAdressatChanged(n CallNotification) error {
	l.entry(n).Info("call contact changed")
	return nil
}

func (l *LogNotifier) NewJournal(n CallNotification) error {
	l.entry(n).Info("journal entry")
	return nil
}

func (l *LogNotifier) entry(n CallNotification) *logrus.Entry {
	return l.log.WithFields(logrus.Fields{
		"correlation_id": n.CorrelationID,
		"state":          n.State,
		"incoming":       n.Incoming,
		"number":         n.Number,
		"contact_id":     n.ContactID,
	})
}
