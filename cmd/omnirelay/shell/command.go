package shell

import (
	"strconv"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/envelope"
)

const usage = `syntax: command [args]
- robots                      list connected robots
- ping                        ping relay
- sub PATTERN...              subscribe to <robot_id>/<type>, + and # wildcards
- unsub PATTERN...            unsubscribe
- motor ROBOT S1 S2 S3        wheel speeds, rpm
- vel ROBOT VX VY OMEGA       body velocity, m/s and rad/s
- stop ROBOT [REASON]         emergency stop
- pid ROBOT MOTOR KP KI KD    PID gains of motor 1..3
- raw JSON                    send envelope as is
- quit`

var suggests = []prompt.Suggest{
	{Text: "robots", Description: "list connected robots"},
	{Text: "ping", Description: "ping relay"},
	{Text: "sub", Description: "subscribe PATTERN..."},
	{Text: "unsub", Description: "unsubscribe PATTERN..."},
	{Text: "motor", Description: "ROBOT S1 S2 S3 wheel rpm"},
	{Text: "vel", Description: "ROBOT VX VY OMEGA body velocity"},
	{Text: "stop", Description: "ROBOT [REASON] emergency stop"},
	{Text: "pid", Description: "ROBOT MOTOR KP KI KD"},
	{Text: "raw", Description: "JSON envelope"},
	{Text: "help"},
	{Text: "quit"},
}

var errQuit = errors.New("quit")
var errHelp = errors.New(usage)

// ParseCommand turns one shell line into envelope for relay.
func ParseCommand(line string) (*envelope.Envelope, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "raw ") {
		raw := strings.TrimSpace(strings.TrimPrefix(line, "raw "))
		return envelope.Parse([]byte(raw))
	}
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, nil
	}
	cmd, args := parts[0], parts[1:]
	switch cmd {
	case "quit", "exit":
		return nil, errQuit
	case "help", "?":
		return nil, errHelp
	case "robots":
		return envelope.New(envelope.ServerID, &envelope.StatusQuery{}), nil
	case "ping":
		return envelope.NewPing(envelope.ServerID), nil
	case "sub", "unsub":
		if len(args) == 0 {
			return nil, errors.NotValidf("%s without patterns", cmd)
		}
		return envelope.New(envelope.ServerID, &envelope.Subscribe{Topics: args, Remove: cmd == "unsub"}), nil
	case "motor":
		fs, err := floats(cmd, args, 4)
		if err != nil {
			return nil, err
		}
		return envelope.New(args[0], &envelope.MotorControl{Speeds: fs}), nil
	case "vel":
		fs, err := floats(cmd, args, 4)
		if err != nil {
			return nil, err
		}
		return envelope.New(args[0], &envelope.MotorControl{
			Velocities: &envelope.Velocities{X: fs[0], Y: fs[1], Theta: fs[2]},
		}), nil
	case "stop":
		if len(args) == 0 {
			return nil, errors.NotValidf("stop without robot")
		}
		return envelope.New(args[0], &envelope.EmergencyStop{Reason: strings.Join(args[1:], " ")}), nil
	case "pid":
		fs, err := floats(cmd, args, 5)
		if err != nil {
			return nil, err
		}
		pid := &envelope.PIDConfig{MotorID: int(fs[0]), Kp: fs[1], Ki: fs[2], Kd: fs[3]}
		if err = pid.Validate(); err != nil {
			return nil, err
		}
		return envelope.New(args[0], pid), nil
	}
	return nil, errors.NotSupportedf("command=%s", cmd)
}

// floats parses args[1:] after robot id, n counts robot id too.
func floats(cmd string, args []string, n int) ([]float64, error) {
	if len(args) != n {
		return nil, errors.NotValidf("%s expects %d arguments, got %d", cmd, n, len(args))
	}
	out := make([]float64, 0, n-1)
	for _, a := range args[1:] {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, errors.NewNotValid(err, cmd)
		}
		out = append(out, f)
	}
	return out, nil
}
