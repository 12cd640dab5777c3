// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The lockstress command hammers the mtx and slz primitives from many
// threads, checks that mutual exclusion held throughout, and reports the
// lock statistics.
//
// Flags may also be given as KERNSYNC_-prefixed environment variables
// (KERNSYNC_WORKERS=16) or in a HuJSON workload file named by -config.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"kernsync.io/envknob"
	"kernsync.io/lockstat"
	"kernsync.io/types/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newRootCmd(os.Stdout).ParseAndRun(ctx, os.Args[1:])
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "lockstress: %v\n", err)
		os.Exit(1)
	}
}

// runArgs are the flags shared by every subcommand.
type runArgs struct {
	workers     int
	iters       int
	sharedRatio float64
	duration    time.Duration
	listen      string
	config      string
	jsonLog     bool
	prom        bool
}

func (a *runArgs) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.IntVar(&a.workers, "workers", 8, "number of concurrent threads")
	fs.IntVar(&a.iters, "iters", 10000, "lock operations per thread; ignored if -duration is set")
	fs.Float64Var(&a.sharedRatio, "shared-ratio", 0.5, "fraction of mtx operations that take the lock shared")
	fs.DurationVar(&a.duration, "duration", 0, "run for this long instead of a fixed number of iterations")
	fs.StringVar(&a.listen, "listen", "", "if non-empty, serve /metrics and /debug/varz on this address during the run")
	fs.StringVar(&a.config, "config", "", "path to a HuJSON workload file")
	fs.BoolVar(&a.jsonLog, "json-log", false, "log in JSON")
	return fs
}

func newRootCmd(stdout io.Writer) *ffcli.Command {
	var args runArgs
	ffOpts := []ff.Option{ff.WithEnvVarPrefix("KERNSYNC")}

	mtxFS := args.flagSet("mtx")
	slzFS := args.flagSet("slz")
	statsFS := args.flagSet("stats")
	statsFS.BoolVar(&args.prom, "prom", false, "print the Prometheus text format instead of JSON")

	run := func(fs *flag.FlagSet, body func(context.Context, workload, logger.Logf) error) func(context.Context, []string) error {
		return func(ctx context.Context, rest []string) error {
			if len(rest) > 0 {
				return fmt.Errorf("unexpected arguments: %q", rest)
			}
			wl, err := args.workload(fs)
			if err != nil {
				return err
			}
			zl, err := newLogger(args.jsonLog)
			if err != nil {
				return err
			}
			defer zl.Sync()
			logf := logger.Logf(zl.Infof)
			envknob.LogCurrent(logf)
			lockstat.SetLogf(logger.WithPrefix(logf, "lockstat: "))
			defer lockstat.SetLogf(nil)

			if args.listen != "" {
				stop, err := serveMetrics(args.listen, logf)
				if err != nil {
					return err
				}
				defer stop()
			}
			if wl.Duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, wl.Duration)
				defer cancel()
			}
			return body(ctx, wl, logf)
		}
	}

	return &ffcli.Command{
		Name:       "lockstress",
		ShortUsage: "lockstress <mtx|slz|stats> [flags]",
		ShortHelp:  "Stress test the mutex and serializer primitives",
		FlagSet:    flag.NewFlagSet("lockstress", flag.ContinueOnError),
		Options:    ffOpts,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			{
				Name:       "mtx",
				ShortUsage: "lockstress mtx [flags]",
				ShortHelp:  "Mix exclusive, shared, upgrade and downgrade operations on one mutex",
				FlagSet:    mtxFS,
				Options:    ffOpts,
				Exec: run(mtxFS, func(ctx context.Context, wl workload, logf logger.Logf) error {
					res, err := runMutex(ctx, wl)
					logf("mtx: %v", res)
					return err
				}),
			},
			{
				Name:       "slz",
				ShortUsage: "lockstress slz [flags]",
				ShortHelp:  "Mix enter, adaptive enter and handler calls on one serializer while toggling its gate",
				FlagSet:    slzFS,
				Options:    ffOpts,
				Exec: run(slzFS, func(ctx context.Context, wl workload, logf logger.Logf) error {
					res, err := runSerializer(ctx, wl)
					logf("slz: %v", res)
					return err
				}),
			},
			{
				Name:       "stats",
				ShortUsage: "lockstress stats [flags]",
				ShortHelp:  "Run both workloads and print the lock statistics",
				LongHelp: strings.TrimSpace(`
The stats subcommand runs the mtx workload and then the slz workload and
prints the resulting lock statistics to stdout, as JSON by default or in
the Prometheus text format with -prom.
`),
				FlagSet: statsFS,
				Options: ffOpts,
				Exec: run(statsFS, func(ctx context.Context, wl workload, logf logger.Logf) error {
					if _, err := runMutex(ctx, wl); err != nil {
						return err
					}
					if _, err := runSerializer(ctx, wl); err != nil {
						return err
					}
					if args.prom {
						return lockstat.WritePrometheus(stdout)
					}
					return writeStatsJSON(stdout)
				}),
			},
		},
	}
}

func writeStatsJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]lockstat.Snapshot{
		lockstat.Mutex.Family():      lockstat.Mutex.Snapshot(),
		lockstat.Serializer.Family(): lockstat.Serializer.Snapshot(),
	})
}

func newLogger(jsonLog bool) (*zap.SugaredLogger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encoding := "console"
	if jsonLog {
		encoding = "json"
	}
	zl, err := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding:         encoding,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encoderCfg,
	}.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return zl.Sugar(), nil
}
