// Support sub-commands in omnirelay application.
package subcmd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/daemon"
	"github.com/omnibot/omnirelay/config"
	"github.com/omnibot/omnirelay/log2"
)

type Mod struct {
	Name  string
	Usage string
	// config file may be absent, defaults are used
	ConfigOptional bool
	Main           func(ctx context.Context, config *config.Config, log *log2.Log, args []string) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

// SdNotify reports whether process runs under systemd notify socket.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify state=%s err=%v", s, err)
	}
	return ok
}
