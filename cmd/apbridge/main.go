package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ardnew/softgb/config"
	"github.com/ardnew/softgb/pkg"
	"github.com/ardnew/softgb/pkg/prof"
)

var (
	cfg     config.Config
	session *prof.Session
)

var app = &cli.App{
	Name:  "apbridge",
	Usage: "Greybus cport bridge between a FIFO host link and a simulated fabric.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:      "config",
			Aliases:   []string{"c"},
			Usage:     "TOML configuration `file`.",
			EnvVars:   []string{"SOFTGB_CONFIG"},
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log `level` (debug, info, warn, error); overrides the config file.",
		},
		&cli.StringFlag{
			Name:      "cpuprofile",
			Usage:     "Write a CPU profile to `file`.",
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:      "memprofile",
			Usage:     "Write a heap profile to `file` on exit.",
			TakesFile: true,
		},
	},
	Before: func(c *cli.Context) (e error) {
		if cfg, e = loadConfig(c.String("config")); e != nil {
			return e
		}
		if e = setupLogging(cfg.Log, c.String("log-level")); e != nil {
			return e
		}
		session, e = prof.Start(c.String("cpuprofile"), c.String("memprofile"))
		return e
	},
	After: func(c *cli.Context) error {
		if session == nil {
			return nil
		}
		return session.Stop()
	},
}

func defineCommand(command *cli.Command) {
	app.Commands = append(app.Commands, command)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(lc config.Log, override string) error {
	level := lc.Level
	if override != "" {
		level = override
	}
	if level != "" {
		lvl, ok := pkg.ParseLogLevel(level)
		if !ok {
			return fmt.Errorf("log level %q: unknown", level)
		}
		pkg.SetLogLevel(lvl)
	}
	if lc.Format == "json" {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func main() {
	sort.Sort(cli.CommandsByName(app.Commands))
	if e := app.Run(os.Args); e != nil {
		fmt.Fprintln(os.Stderr, e)
		os.Exit(1)
	}
}
