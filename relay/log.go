package relay

import (
	"time"

	"github.com/sirupsen/logrus"

	"tunnelbroker/log"
)

func prepLog(c *Client) *logrus.Entry {
	l := log.Get().WithField("usage", "broker")
	if log.BlurTimes() {
		l = l.WithTime(time.Now().Truncate(time.Second))
	}
	if c.DeviceID != "" {
		l = l.WithField("device-id", c.DeviceID)
	}
	if log.ShowAddress() {
		l = l.WithField("remote-addr", c.conn.RemoteAddr())
	}
	return l
}

//LogDebug logs a usage debug message for the client's connection
func LogDebug(c *Client, args ...interface{}) {
	if !log.Usage() {
		return
	}
	prepLog(c).Debug(args...)
}

//LogDebugf logs a usage debug message with fmt.Printf formatting
func LogDebugf(c *Client, fmt string, args ...interface{}) {
	if !log.Usage() {
		return
	}
	prepLog(c).Debugf(fmt, args...)
}

//LogInfo logs a usage info message for the client's connection
func LogInfo(c *Client, args ...interface{}) {
	if !log.Usage() {
		return
	}
	prepLog(c).Info(args...)
}

//LogInfof logs a usage info message with fmt.Printf formatting
func LogInfof(c *Client, fmt string, args ...interface{}) {
	if !log.Usage() {
		return
	}
	prepLog(c).Infof(fmt, args...)
}

//LogWarnf logs a usage warning with fmt.Printf formatting
func LogWarnf(c *Client, fmt string, args ...interface{}) {
	if !log.Usage() {
		return
	}
	prepLog(c).Warnf(fmt, args...)
}

//LogErr logs an error with usage fields attached
func LogErr(c *Client, msg string, err error) {
	if !log.Usage() {
		return
	}
	prepLog(c).WithError(err).Error(msg)
}
