package relay

import (
	"github.com/sirupsen/logrus"

	"github.com/d1nch8g/pttd/protocol"
)

// NopPort stands in for the relay when relay control is disabled. Frames are
// logged and dropped.
type NopPort struct {
	log logrus.FieldLogger
}

// Ensure NopPort implements Port interface
var _ Port = (*NopPort)(nil)

func NewNopPort(log logrus.FieldLogger) *NopPort {
	return &NopPort{log: log}
}

func (p *NopPort) Send(frame protocol.Frame) error {
	p.log.WithField("frame", frame.String()).Debug("Relay disabled, frame not sent")
	return nil
}

func (p *NopPort) Close() error {
	return nil
}
