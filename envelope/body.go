package envelope

import (
	"encoding/json"

	"github.com/juju/errors"
)

const (
	TypeWelcome                  Type = "welcome"
	TypeRegistration             Type = "registration"
	TypeRegistrationConfirmation Type = "registration_confirmation"
	TypeEncoderData              Type = "encoder_data"
	TypeIMUData                  Type = "imu_data"
	TypeStatus                   Type = "status"
	TypePIDResponse              Type = "pid_response"
	TypeMotorResponse            Type = "motor_response"
	TypeFirmwareStatus           Type = "firmware_status"
	TypeLog                      Type = "log"
	TypeMotorControl             Type = "motor_control"
	TypeEmergencyStop            Type = "emergency_stop"
	TypePIDConfig                Type = "pid_config"
	TypePing                     Type = "ping"
	TypePong                     Type = "pong"
	TypeHeartbeat                Type = "heartbeat"
	TypeGetRobotConnections      Type = "get_robot_connections"
	TypeRobotConnections         Type = "robot_connections"
	TypeSubscribe                Type = "subscribe"
	TypeUnsubscribe              Type = "unsubscribe"
	TypeSubscribed               Type = "subscribed"
	TypeManualDisconnect         Type = "manual_disconnect"
	TypeDisconnectConfirmed      Type = "disconnect_confirmed"
	TypeTrajectoryUpdate         Type = "trajectory_update"
	TypeDataAck                  Type = "data_ack"
	TypeCommandSent              Type = "command_sent"
	TypeError                    Type = "error"
)

// Error status values sent back to frame originator.
const (
	StatusSuccess      = "success"
	StatusReceived     = "received"
	StatusInvalid      = "invalid"
	StatusUnregistered = "unregistered"
	StatusUnsupported  = "unsupported"
	StatusNotFound     = "not_found"
	StatusReserved     = "reserved"
	StatusSendFailed   = "send_failed"
)

// Body is payload variant, concrete type matches Envelope.Type.
type Body interface {
	Type() Type
}

type validator interface {
	Validate() error
}

// fieldsBody keeps free-form payload without header keys.
type fieldsBody interface {
	dropHeader()
}

func newBody(t Type) Body {
	switch t {
	case TypeWelcome:
		return &Welcome{}
	case TypeRegistration:
		return &Registration{}
	case TypeRegistrationConfirmation:
		return &RegistrationConfirmation{}
	case TypeEncoderData:
		return &EncoderSample{}
	case TypeIMUData:
		return &IMUSample{}
	case TypeStatus, TypePIDResponse, TypeMotorResponse, TypeFirmwareStatus, TypeLog:
		return &Telemetry{Kind: t}
	case TypeMotorControl:
		return &MotorControl{}
	case TypeEmergencyStop:
		return &EmergencyStop{}
	case TypePIDConfig:
		return &PIDConfig{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeGetRobotConnections:
		return &StatusQuery{}
	case TypeRobotConnections:
		return &StatusReport{}
	case TypeSubscribe:
		return &Subscribe{}
	case TypeUnsubscribe:
		return &Subscribe{Remove: true}
	case TypeSubscribed:
		return &Subscribed{}
	case TypeManualDisconnect:
		return &ManualDisconnect{}
	case TypeDisconnectConfirmed:
		return &DisconnectConfirmed{}
	case TypeTrajectoryUpdate:
		return &TrajectoryUpdate{}
	case TypeDataAck:
		return &DataAck{}
	case TypeCommandSent:
		return &CommandSent{}
	case TypeError:
		return &Error{}
	}
	return &Unknown{Kind: t}
}

// IsTelemetry reports robot originated data frames that are acked and broadcast.
func IsTelemetry(t Type) bool {
	switch t {
	case TypeEncoderData, TypeIMUData, TypeStatus, TypePIDResponse, TypeMotorResponse, TypeFirmwareStatus, TypeLog:
		return true
	}
	return false
}

// IsCommand reports console frames forwarded to robots.
func IsCommand(t Type) bool {
	switch t {
	case TypeMotorControl, TypeEmergencyStop, TypePIDConfig:
		return true
	}
	return false
}

// IsGlobal reports console frames answered by relay without robot_id.
func IsGlobal(t Type) bool {
	switch t {
	case TypePing, TypeHeartbeat, TypeGetRobotConnections, TypeStatus:
		return true
	}
	return false
}

type Welcome struct {
	Message    string  `json:"message"`
	ServerTime float64 `json:"server_time"`
}

func (*Welcome) Type() Type { return TypeWelcome }

type Registration struct {
	Model        string   `json:"model,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (*Registration) Type() Type { return TypeRegistration }

type RegistrationConfirmation struct {
	Status string `json:"status"`
}

func (*RegistrationConfirmation) Type() Type { return TypeRegistrationConfirmation }

type EncoderSample struct {
	RPM []float64 `json:"rpm"`
}

func (*EncoderSample) Type() Type { return TypeEncoderData }

func (s *EncoderSample) Validate() error {
	if len(s.RPM) != 3 {
		return errors.NotValidf("rpm len=%d", len(s.RPM))
	}
	return nil
}

func (s *EncoderSample) Wheels() (w [3]float64) {
	copy(w[:], s.RPM)
	return
}

type Orientation struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type IMUSample struct {
	Orientation     *Orientation `json:"orientation,omitempty"`
	Acceleration    *Vector3     `json:"acceleration,omitempty"`
	AngularVelocity *Vector3     `json:"angular_velocity,omitempty"`
}

func (*IMUSample) Type() Type { return TypeIMUData }

// Heading is yaw in radians, nil without orientation.
func (s *IMUSample) Heading() *float64 {
	if s.Orientation == nil {
		return nil
	}
	yaw := s.Orientation.Yaw
	return &yaw
}

// Telemetry is free-form robot report: status, pid_response and similar.
type Telemetry struct {
	Kind   Type                       `json:"-"`
	Fields map[string]json.RawMessage `json:"-"`
}

func (t *Telemetry) Type() Type                   { return t.Kind }
func (t *Telemetry) MarshalJSON() ([]byte, error) { return marshalFields(t.Fields) }
func (t *Telemetry) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &t.Fields) }
func (t *Telemetry) dropHeader()                  { dropHeader(t.Fields) }

type Velocities struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

type MotorControl struct {
	Speeds     []float64   `json:"speeds,omitempty"`
	Velocities *Velocities `json:"velocities,omitempty"`
}

func (*MotorControl) Type() Type { return TypeMotorControl }

func (m *MotorControl) Validate() error {
	if m.Velocities == nil && len(m.Speeds) != 3 {
		return errors.NotValidf("motor_control needs speeds[3] or velocities, speeds len=%d", len(m.Speeds))
	}
	return nil
}

type EmergencyStop struct {
	Reason string `json:"reason,omitempty"`
}

func (*EmergencyStop) Type() Type { return TypeEmergencyStop }

type PIDConfig struct {
	MotorID int     `json:"motor_id"`
	Kp      float64 `json:"kp"`
	Ki      float64 `json:"ki"`
	Kd      float64 `json:"kd"`
}

func (*PIDConfig) Type() Type { return TypePIDConfig }

func (p *PIDConfig) Validate() error {
	if p.MotorID < 1 || p.MotorID > 3 {
		return errors.NotValidf("pid_config motor_id=%d", p.MotorID)
	}
	return nil
}

type Ping struct{}

func (*Ping) Type() Type { return TypePing }

type Pong struct{}

func (*Pong) Type() Type { return TypePong }

type Heartbeat struct {
	ServerTime float64 `json:"server_time,omitempty"`
}

func (*Heartbeat) Type() Type { return TypeHeartbeat }

type StatusQuery struct{}

func (*StatusQuery) Type() Type { return TypeGetRobotConnections }

type RobotInfo struct {
	RobotID        string  `json:"robot_id"`
	RemoteAddr     string  `json:"remote_addr"`
	ConnectedSince float64 `json:"connected_since"`
	LastActivity   float64 `json:"last_activity"`
	Reserved       bool    `json:"reserved,omitempty"`
}

type StatusReport struct {
	Robots   []RobotInfo `json:"robots"`
	Consoles int         `json:"consoles"`
}

func (*StatusReport) Type() Type { return TypeRobotConnections }

// Subscribe is both subscribe and unsubscribe request.
type Subscribe struct {
	Topics []string `json:"topics"`
	Remove bool     `json:"-"`
}

func (s *Subscribe) Type() Type {
	if s.Remove {
		return TypeUnsubscribe
	}
	return TypeSubscribe
}

func (s *Subscribe) Validate() error {
	if len(s.Topics) == 0 {
		return errors.NotValidf("%s without topics", s.Type())
	}
	return nil
}

type Subscribed struct {
	Topics []string `json:"topics"`
}

func (*Subscribed) Type() Type { return TypeSubscribed }

type ManualDisconnect struct{}

func (*ManualDisconnect) Type() Type { return TypeManualDisconnect }

type DisconnectConfirmed struct {
	Message string `json:"message"`
}

func (*DisconnectConfirmed) Type() Type { return TypeDisconnectConfirmed }

type Position struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

type Points struct {
	X     []float64 `json:"x"`
	Y     []float64 `json:"y"`
	Theta []float64 `json:"theta"`
}

type TrajectoryUpdate struct {
	Position Position `json:"position"`
	Points   Points   `json:"points"`
}

func (*TrajectoryUpdate) Type() Type { return TypeTrajectoryUpdate }

type DataAck struct {
	Status      string `json:"status"`
	MessageType Type   `json:"message_type"`
}

func (*DataAck) Type() Type { return TypeDataAck }

type CommandSent struct {
	Status string `json:"status"`
}

func (*CommandSent) Type() Type { return TypeCommandSent }

type Error struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (*Error) Type() Type { return TypeError }

// Unknown holds payload of unrecognized type for logging and error replies.
type Unknown struct {
	Kind   Type                       `json:"-"`
	Fields map[string]json.RawMessage `json:"-"`
}

func (u *Unknown) Type() Type                   { return u.Kind }
func (u *Unknown) MarshalJSON() ([]byte, error) { return marshalFields(u.Fields) }
func (u *Unknown) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &u.Fields) }
func (u *Unknown) dropHeader()                  { dropHeader(u.Fields) }

func marshalFields(m map[string]json.RawMessage) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func dropHeader(m map[string]json.RawMessage) {
	delete(m, keyType)
	delete(m, keyRobotID)
	delete(m, keyTimestamp)
}
