package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/config"
	"github.com/vkngwrapper/raytracer/internal/logger"
	"github.com/vkngwrapper/raytracer/internal/renderer"
)

type flags struct {
	config      string
	pass        string
	composition string
	sync        string
	logLevel    string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("raytracer", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "path to a YAML configuration file")
	fs.StringVar(&f.pass, "pass", "", "per-frame pass: compute or raytrace")
	fs.StringVar(&f.composition, "composition", "", "composition: copy or sampled")
	fs.StringVar(&f.sync, "sync", "", "host synchronization: wait or pipelined")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	err := fs.Parse(args)
	return f, err
}

// loadConfig reads the configuration file, if any, and applies the flag
// overrides on top of it.
func loadConfig(f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		cfg, err = config.Load(f.config)
		if err != nil {
			return nil, err
		}
	}

	if f.pass != "" {
		cfg.Render.Pass = f.pass
	}
	if f.composition != "" {
		cfg.Render.Composition = f.composition
	}
	if f.sync != "" {
		cfg.Render.Sync = f.sync
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	log := logger.Init(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r, err := renderer.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer r.Destroy()

	if err := r.Run(ctx); err != nil {
		return errors.Wrap(err, "render loop")
	}

	stats := r.Stats()
	log.Info("Exiting",
		"frames", stats.Frames,
		"skipped", stats.Skipped,
		"resizes", stats.Resizes,
	)
	return nil
}

func main() {
	// SDL and the Vulkan surface must stay on the main thread.
	runtime.LockOSThread()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
