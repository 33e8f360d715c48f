package envelope

import (
	"fmt"
	"time"

	"github.com/omnibot/omnirelay/helpers"
)

func NewWelcome() *Envelope {
	return New(ServerID, &Welcome{
		Message:    "connected to omnirelay, send registration",
		ServerTime: helpers.UnixFloat(time.Now()),
	})
}

func NewError(robotID, status, format string, args ...interface{}) *Envelope {
	return New(robotID, &Error{Status: status, Message: fmt.Sprintf(format, args...)})
}

func NewRegistrationConfirmation(robotID string) *Envelope {
	return New(robotID, &RegistrationConfirmation{Status: StatusSuccess})
}

func NewDataAck(robotID string, t Type) *Envelope {
	return New(robotID, &DataAck{Status: StatusReceived, MessageType: t})
}

func NewCommandSent(robotID string) *Envelope {
	return New(robotID, &CommandSent{Status: StatusSuccess})
}

func NewPing(robotID string) *Envelope { return New(robotID, &Ping{}) }
func NewPong(robotID string) *Envelope { return New(robotID, &Pong{}) }

func NewDisconnectConfirmed(robotID string) *Envelope {
	return New(robotID, &DisconnectConfirmed{Message: "disconnect confirmed"})
}

// ErrorBody returns payload of error envelope, nil for other types.
func (e *Envelope) ErrorBody() *Error {
	if b, ok := e.Body.(*Error); ok {
		return b
	}
	return nil
}
