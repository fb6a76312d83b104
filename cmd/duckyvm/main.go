// main.go - duckyvm CLI entry point (§6)
//
// Built on gopkg.in/urfave/cli.v1, the same CLI library the retrieval
// pack's go-probe repo depends on, in place of the teacher's hand-rolled
// flag.FlagSet parsing in its own main.go. The flag surface (positional
// config path, repeatable --machine-in, --set overrides, --debug) follows
// §6 directly.

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/duckyvm/ducky"
	cli "gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()
	app.Name = "duckyvm"
	app.Usage = "run a Ducky virtual machine from a TOML configuration file"
	app.Version = "0.1.0"
	app.ArgsUsage = "<config-path>"
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{Name: "machine-in", Usage: "restore a snapshot file into the booted machine before the run starts (repeatable)"},
		cli.StringFlag{Name: "machine-out", Usage: "save a snapshot file after the run completes"},
		cli.StringSliceFlag{Name: "set", Usage: "override a config value: section:key=value (repeatable)"},
		cli.BoolFlag{Name: "debug", Usage: "emit debug-level log lines"},
		cli.BoolFlag{Name: "profile", Usage: "log each core's halted state on exit"},
		cli.BoolFlag{Name: "g", Usage: "accepted but not read: guest output goes where the configured devices send it either way"},
		cli.Uint64Flag{Name: "max-instructions", Usage: "stop after this many scheduler rounds (0 = unbounded)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "duckyvm:", err)
		os.Exit(exitCodeFor(err))
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		cli.ShowAppHelp(c)
		return cli.NewExitError("a config path is required", 2)
	}

	log := ducky.NewLogger(c.Bool("debug"))

	cfg, err := ducky.LoadConfig(c.Args().First())
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}

	if err := applyOverrides(cfg, c.StringSlice("set")); err != nil {
		return cli.NewExitError(err.Error(), 2)
	}

	m, err := ducky.Boot(cfg, log)
	if err != nil {
		return cli.NewExitError(err.Error(), bootExitCode(err))
	}

	for _, path := range c.StringSlice("machine-in") {
		snap, err := ducky.LoadSnapshotFromFile(path)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("loading %s: %v", path, err), 3)
		}
		if err := ducky.RestoreSnapshot(m, snap); err != nil {
			return cli.NewExitError(fmt.Sprintf("restoring %s: %v", path, err), 3)
		}
	}

	completion := m.Run(ducky.RunOptions{MaxInstructions: c.Uint64("max-instructions")})

	if out := c.String("machine-out"); out != "" {
		if err := ducky.SaveSnapshotToFile(ducky.TakeSnapshot(m), out); err != nil {
			return cli.NewExitError(fmt.Sprintf("saving %s: %v", out, err), 3)
		}
	}

	if c.Bool("profile") {
		for i, core := range m.Cores {
			log.Infof("core %d: halted=%v", i, core.Halted())
		}
	}

	if completion.Timeout {
		return cli.NewExitError("run timed out", 3)
	}
	if completion.Halt && completion.Code != 0 {
		return cli.NewExitError(fmt.Sprintf("machine halted with code %d", completion.Code), completion.Code)
	}
	return nil
}

// applyOverrides applies --set section:key=value flags directly onto a
// parsed Config's device parameter maps, the only part of the document
// whose shape is generic enough to take an override without special-casing
// every field. section:key pairs outside [device-N] sections are rejected.
func applyOverrides(cfg *ducky.Config, overrides []string) error {
	for _, o := range overrides {
		section, kv, ok := strings.Cut(o, ":")
		if !ok {
			return fmt.Errorf("--set %q: expected section:key=value", o)
		}
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("--set %q: expected section:key=value", o)
		}
		applied := false
		for i := range cfg.Devices {
			if deviceSectionName(cfg.Devices[i]) == section {
				cfg.Devices[i].Params[key] = value
				applied = true
			}
		}
		if !applied {
			return fmt.Errorf("--set %q: no such section", o)
		}
	}
	return nil
}

func deviceSectionName(d ducky.DeviceConfig) string {
	return fmt.Sprintf("device-%d", d.Index)
}

// exitCodeFor recovers the exit code urfave/cli.v1 attaches to an
// ExitCoder, defaulting to 1 for anything else per §6.
func exitCodeFor(err error) int {
	if ec, ok := err.(cli.ExitCoder); ok {
		return ec.ExitCode()
	}
	return 1
}

// bootExitCode maps a Boot failure onto §6's exit codes: a bad [machine] or
// [device-N] section is its own "2 configuration error", distinct from "3
// timeout/host error" reserved for everything else Boot can fail with (a
// missing binary file, a malformed object, a device that refused to
// attach).
func bootExitCode(err error) int {
	var hostErr *ducky.HostError
	if errors.As(err, &hostErr) && hostErr.Kind == ducky.ErrConfiguration {
		return 2
	}
	return 3
}
