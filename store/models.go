package store

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/trajectory"
)

const (
	TableEncoder     = "encoder_data"
	TableIMU         = "imu_data"
	TableMotor       = "motor_control"
	TableEmergency   = "emergency_commands"
	TablePID         = "pid_config"
	TableTrajectory  = "trajectory_data"
	TableConnections = "connection_logs"
)

const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReplaced     = "replaced"
	EventEvicted      = "evicted"
	EventManual       = "manual_disconnect"
)

type EncoderData struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RobotID   string    `gorm:"size:64;index:idx_encoder_robot_time" json:"robot_id"`
	Timestamp time.Time `gorm:"index:idx_encoder_robot_time" json:"timestamp"`
	RPM1      float64   `json:"rpm_1"`
	RPM2      float64   `json:"rpm_2"`
	RPM3      float64   `json:"rpm_3"`
	RawData   string    `gorm:"type:text" json:"raw_data,omitempty"`
}

func (EncoderData) TableName() string { return TableEncoder }

type IMUData struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RobotID     string    `gorm:"size:64;index:idx_imu_robot_time" json:"robot_id"`
	Timestamp   time.Time `gorm:"index:idx_imu_robot_time" json:"timestamp"`
	Roll        float64   `json:"roll"`
	Pitch       float64   `json:"pitch"`
	Yaw         float64   `json:"yaw"`
	AccelX      float64   `json:"accel_x"`
	AccelY      float64   `json:"accel_y"`
	AccelZ      float64   `json:"accel_z"`
	AngularVelX float64   `json:"angular_vel_x"`
	AngularVelY float64   `json:"angular_vel_y"`
	AngularVelZ float64   `json:"angular_vel_z"`
	RawData     string    `gorm:"type:text" json:"raw_data,omitempty"`
}

func (IMUData) TableName() string { return TableIMU }

type MotorControl struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RobotID   string    `gorm:"size:64;index:idx_motor_robot_time" json:"robot_id"`
	Timestamp time.Time `gorm:"index:idx_motor_robot_time" json:"timestamp"`
	Speed1    float64   `json:"speed_1"`
	Speed2    float64   `json:"speed_2"`
	Speed3    float64   `json:"speed_3"`
	VelX      *float64  `json:"vel_x,omitempty"`
	VelY      *float64  `json:"vel_y,omitempty"`
	VelTheta  *float64  `json:"vel_theta,omitempty"`
	RawData   string    `gorm:"type:text" json:"raw_data,omitempty"`
}

func (MotorControl) TableName() string { return TableMotor }

type EmergencyCommand struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RobotID   string    `gorm:"size:64;index:idx_emergency_robot_time" json:"robot_id"`
	Timestamp time.Time `gorm:"index:idx_emergency_robot_time" json:"timestamp"`
	Reason    string    `gorm:"size:255" json:"reason"`
	RawData   string    `gorm:"type:text" json:"raw_data,omitempty"`
}

func (EmergencyCommand) TableName() string { return TableEmergency }

type PIDConfig struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RobotID   string    `gorm:"size:64;index:idx_pid_robot_time" json:"robot_id"`
	Timestamp time.Time `gorm:"index:idx_pid_robot_time" json:"timestamp"`
	MotorID   int       `json:"motor_id"`
	Kp        float64   `json:"kp"`
	Ki        float64   `json:"ki"`
	Kd        float64   `json:"kd"`
	RawData   string    `gorm:"type:text" json:"raw_data,omitempty"`
}

func (PIDConfig) TableName() string { return TablePID }

// TrajectoryData is periodic pose snapshot, Points is JSON [{x,y,theta}].
type TrajectoryData struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RobotID      string    `gorm:"size:64;index:idx_trajectory_robot_time" json:"robot_id"`
	Timestamp    time.Time `gorm:"index:idx_trajectory_robot_time" json:"timestamp"`
	CurrentX     float64   `json:"current_x"`
	CurrentY     float64   `json:"current_y"`
	CurrentTheta float64   `json:"current_theta"`
	PointCount   int       `json:"point_count"`
	Points       string    `gorm:"type:text" json:"points"`
}

func (TrajectoryData) TableName() string { return TableTrajectory }

type ConnectionLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RobotID    string    `gorm:"size:64;index:idx_connection_robot_time" json:"robot_id"`
	Timestamp  time.Time `gorm:"index:idx_connection_robot_time" json:"timestamp"`
	Event      string    `gorm:"size:32" json:"event"`
	RemoteAddr string    `gorm:"size:64" json:"remote_addr"`
}

func (ConnectionLog) TableName() string { return TableConnections }

// AllModels returns every table model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&EncoderData{},
		&IMUData{},
		&MotorControl{},
		&EmergencyCommand{},
		&PIDConfig{},
		&TrajectoryData{},
		&ConnectionLog{},
	}
}

// newSlice returns pointer to empty slice of table model for Find.
func newSlice(table string) (interface{}, error) {
	switch table {
	case TableEncoder:
		return &[]EncoderData{}, nil
	case TableIMU:
		return &[]IMUData{}, nil
	case TableMotor:
		return &[]MotorControl{}, nil
	case TableEmergency:
		return &[]EmergencyCommand{}, nil
	case TablePID:
		return &[]PIDConfig{}, nil
	case TableTrajectory:
		return &[]TrajectoryData{}, nil
	case TableConnections:
		return &[]ConnectionLog{}, nil
	}
	return nil, errors.NotFoundf("table %s", table)
}

type tabler interface{ TableName() string }

func envelopeTime(e *envelope.Envelope) time.Time {
	if e.Timestamp <= 0 {
		return time.Now()
	}
	return e.Time()
}

func rawString(e *envelope.Envelope) string {
	b, err := e.Bytes()
	if err != nil {
		return ""
	}
	return string(b)
}

// FromEnvelope maps persisted telemetry and command frames to table records.
// ok=false for types that are not stored.
func FromEnvelope(e *envelope.Envelope) (table string, record interface{}, ok bool) {
	ts := envelopeTime(e)
	switch b := e.Body.(type) {
	case *envelope.EncoderSample:
		w := b.Wheels()
		return TableEncoder, &EncoderData{RobotID: e.RobotID, Timestamp: ts, RPM1: w[0], RPM2: w[1], RPM3: w[2], RawData: rawString(e)}, true

	case *envelope.IMUSample:
		r := &IMUData{RobotID: e.RobotID, Timestamp: ts, RawData: rawString(e)}
		if o := b.Orientation; o != nil {
			r.Roll, r.Pitch, r.Yaw = o.Roll, o.Pitch, o.Yaw
		}
		if a := b.Acceleration; a != nil {
			r.AccelX, r.AccelY, r.AccelZ = a.X, a.Y, a.Z
		}
		if w := b.AngularVelocity; w != nil {
			r.AngularVelX, r.AngularVelY, r.AngularVelZ = w.X, w.Y, w.Z
		}
		return TableIMU, r, true

	case *envelope.MotorControl:
		r := &MotorControl{RobotID: e.RobotID, Timestamp: ts, RawData: rawString(e)}
		if len(b.Speeds) == 3 {
			r.Speed1, r.Speed2, r.Speed3 = b.Speeds[0], b.Speeds[1], b.Speeds[2]
		}
		if v := b.Velocities; v != nil {
			x, y, theta := v.X, v.Y, v.Theta
			r.VelX, r.VelY, r.VelTheta = &x, &y, &theta
		}
		return TableMotor, r, true

	case *envelope.EmergencyStop:
		return TableEmergency, &EmergencyCommand{RobotID: e.RobotID, Timestamp: ts, Reason: b.Reason, RawData: rawString(e)}, true

	case *envelope.PIDConfig:
		return TablePID, &PIDConfig{RobotID: e.RobotID, Timestamp: ts, MotorID: b.MotorID, Kp: b.Kp, Ki: b.Ki, Kd: b.Kd, RawData: rawString(e)}, true
	}
	return "", nil, false
}

type pointJSON struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

func NewTrajectoryData(p trajectory.Pose) *TrajectoryData {
	points := make([]pointJSON, len(p.Points))
	for i, pt := range p.Points {
		points[i] = pointJSON{X: pt.X, Y: pt.Y, Theta: pt.Theta}
	}
	b, _ := json.Marshal(points)
	ts := p.LastUpdate
	if ts.IsZero() {
		ts = time.Now()
	}
	return &TrajectoryData{
		RobotID:      p.RobotID,
		Timestamp:    ts,
		CurrentX:     p.X,
		CurrentY:     p.Y,
		CurrentTheta: p.Theta,
		PointCount:   len(p.Points),
		Points:       string(b),
	}
}

// TrajectoryPoints decodes Points column.
func (t *TrajectoryData) TrajectoryPoints() ([]trajectory.Point, error) {
	var points []pointJSON
	if err := json.Unmarshal([]byte(t.Points), &points); err != nil {
		return nil, errors.Annotatef(err, "trajectory_data id=%d points", t.ID)
	}
	out := make([]trajectory.Point, len(points))
	for i, p := range points {
		out[i] = trajectory.Point{X: p.X, Y: p.Y, Theta: p.Theta}
	}
	return out, nil
}

func NewConnectionLog(robotID, event, remote string) *ConnectionLog {
	return &ConnectionLog{RobotID: robotID, Timestamp: time.Now(), Event: event, RemoteAddr: remote}
}
