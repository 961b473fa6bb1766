// Support sub-commands in monitect application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/kentonj/monitect/internal/config"
)

type Mod struct {
	Name string
	Main func(context.Context, *config.Config) error
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
		return nil, fmt.Errorf("unknown command='%s' known=%v", command, Names(modules))
	}
	return found, nil
}

func Names(modules []Mod) []string {
	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = m.Name
	}
	sort.Strings(names)
	return names
}

// SdNotify returns true when running under systemd.
func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
