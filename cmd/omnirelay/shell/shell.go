// Interactive operator console over relay websocket.
package shell

import (
	"context"
	"flag"
	"net"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/cmd/omnirelay/subcmd"
	"github.com/omnibot/omnirelay/config"
	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/helpers/cli"
	"github.com/omnibot/omnirelay/log2"
	"github.com/omnibot/omnirelay/relay"
)

const modName = "console"

var Mod = subcmd.Mod{Name: modName, Usage: "interactive operator shell", ConfigOptional: true, Main: Main}

func Main(ctx context.Context, cfg *config.Config, log *log2.Log, args []string) error {
	flags := flag.NewFlagSet(modName, flag.ContinueOnError)
	url := flags.String("url", consoleURL(cfg), "relay websocket url")
	token := flags.String("token", "", "bearer token, default is signed with console.auth_secret")
	quiet := flags.Bool("quiet", false, "do not print telemetry")
	if err := flags.Parse(args); err != nil {
		return errors.Annotate(err, "console flags")
	}
	if *token == "" && cfg.Console.AuthSecret != "" {
		auth, err := relay.NewTokenAuth(cfg.Console.AuthSecret)
		if err != nil {
			return err
		}
		if *token, err = auth.Sign(jwt.RegisteredClaims{
			Subject:   "console",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		}); err != nil {
			return errors.Annotate(err, "sign token")
		}
	}

	c, err := relay.DialConsole(ctx, *url, *token, cfg.Console.WriteTimeout())
	if err != nil {
		return err
	}
	defer c.Close()
	log.Infof("connected %s, type help", *url)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go receiveLoop(ctx, cancel, c, log, *quiet)

	cli.MainLoop(ctx, modName, newExecutor(cancel, c, log), newCompleter())
	return nil
}

func consoleURL(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Console.Listen)
	if err != nil {
		return "ws://127.0.0.1:9003/ws"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/ws"
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	return func(d prompt.Document) []prompt.Suggest {
		if strings.Contains(d.TextBeforeCursor(), " ") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(cancel context.CancelFunc, c *relay.ConsoleClient, log *log2.Log) func(string) {
	return func(line string) {
		e, err := ParseCommand(line)
		switch {
		case err == errQuit:
			_ = c.Send(envelope.New(envelope.ServerID, &envelope.ManualDisconnect{}))
			cancel()
			return
		case err == errHelp:
			log.Infof(usage)
			return
		case err != nil:
			log.Errorf("%v", err)
			return
		case e == nil:
			return
		}
		if err = c.Send(e); err != nil {
			log.Errorf("send err=%v", err)
			cancel()
		}
	}
}

func receiveLoop(ctx context.Context, cancel context.CancelFunc, c *relay.ConsoleClient, log *log2.Log, quiet bool) {
	defer cancel()
	for ctx.Err() == nil {
		// gorilla connection is unusable after read deadline, so wait long
		e, err := c.Receive(24 * time.Hour)
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf("receive err=%v", err)
			}
			return
		}
		switch {
		case e.Type == envelope.TypePing:
			_ = c.Send(envelope.NewPong(envelope.ServerID))
		case e.Type == envelope.TypeDisconnectConfirmed:
			return
		case e.Type == envelope.TypeError:
			log.Errorf("robot=%s %s: %s", e.RobotID, e.ErrorBody().Status, e.ErrorBody().Message)
		case quiet && (envelope.IsTelemetry(e.Type) || e.Type == envelope.TypeTrajectoryUpdate):
		default:
			b, _ := e.Bytes()
			log.Infof("%s", b)
		}
	}
}
