// Package register resolves every configured sensor and prints ids.
// Useful to provision channel ids before enabling publishers elsewhere.
package register

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/cmd/monitect/subcmd"
	"github.com/kentonj/monitect/internal/config"
	"github.com/kentonj/monitect/internal/sensorapi"
	"github.com/kentonj/monitect/internal/state"
)

var Mod = subcmd.Mod{Name: "register", Main: Main}

// Output is where sensor lines are printed, replaced in tests.
var Output io.Writer = os.Stdout

func Main(ctx context.Context, cfg *config.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)

	ms, err := g.ResolveReadingSensors(ctx)
	if err != nil {
		return errors.Annotate(err, "register")
	}
	for i, ref := range state.ReadingSensors(cfg.Reading.SensorName) {
		fmt.Fprintf(Output, "%s\t%s\t%s\n", ref.Type, ref.Name, ms[i].SensorID)
	}

	seen := make(map[string]struct{})
	for _, name := range []string{cfg.Publish.SensorName, cfg.Camera.SensorName} {
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		id, err := g.API.Resolve(ctx, sensorapi.TypeCamera, name, "")
		if err != nil {
			return errors.Annotate(err, "register")
		}
		fmt.Fprintf(Output, "%s\t%s\t%s\n", sensorapi.TypeCamera, name, id)
	}
	return nil
}
