package connection

import (
	"net"
	"time"

	"github.com/lexiqai/livecaption/internal/protocol"
	"github.com/lexiqai/livecaption/internal/transcript"
)

// deviceTransport speaks the framed protocol over one TCP connection
type deviceTransport struct {
	conn     net.Conn
	language string
}

func (d *deviceTransport) writeFrame(frame []byte, deadline time.Time) error {
	if err := d.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := d.conn.Write(frame)
	return err
}

func (d *deviceTransport) writeMessage(msg transcript.Message, deadline time.Time) error {
	frame, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return d.writeFrame(frame, deadline)
}

func (d *deviceTransport) writePing(deadline time.Time) error {
	frame, err := protocol.EncodePing(d.language, time.Now())
	if err != nil {
		return err
	}
	return d.writeFrame(frame, deadline)
}

// readLoop accepts any well-formed frame from the device as a sign of life
func (d *deviceTransport) readLoop(c *Conn) error {
	for {
		frame, err := protocol.ReadFrame(d.conn)
		if err != nil {
			return err
		}
		c.touch()
		if frame.Header.Type != protocol.FramePing {
			c.logger.Debug().Uint8("type", frame.Header.Type).Msg("Ignoring device frame")
		}
	}
}

func (d *deviceTransport) close() error {
	return d.conn.Close()
}

func (d *deviceTransport) remoteAddr() string {
	return d.conn.RemoteAddr().String()
}
