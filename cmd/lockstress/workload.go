// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/tailscale/hujson"
	"kernsync.io/lwkt"
	"kernsync.io/mtx"
	"kernsync.io/slz"
	"kernsync.io/syncs"
)

// workload is the resolved shape of one run.
type workload struct {
	Workers     int
	Iters       int
	SharedRatio float64
	Duration    time.Duration
}

// workloadFile is the on-disk HuJSON form of a workload. Unset fields
// keep the flag defaults.
type workloadFile struct {
	Workers     *int     `json:"workers,omitempty"`
	Iters       *int     `json:"iters,omitempty"`
	SharedRatio *float64 `json:"sharedRatio,omitempty"`
	Duration    string   `json:"duration,omitempty"`
}

func parseWorkloadFile(b []byte) (*workloadFile, error) {
	std, err := hujson.Standardize(b)
	if err != nil {
		return nil, fmt.Errorf("parsing workload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	var wf workloadFile
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("decoding workload: %w", err)
	}
	return &wf, nil
}

// workload resolves the run shape. Values come from the flag defaults,
// then the -config file, then any flag set explicitly on the command line
// or through the environment.
func (a *runArgs) workload(fs *flag.FlagSet) (workload, error) {
	wl := workload{
		Workers:     a.workers,
		Iters:       a.iters,
		SharedRatio: a.sharedRatio,
		Duration:    a.duration,
	}
	if a.config != "" {
		b, err := os.ReadFile(a.config)
		if err != nil {
			return wl, err
		}
		wf, err := parseWorkloadFile(b)
		if err != nil {
			return wl, fmt.Errorf("%s: %w", a.config, err)
		}
		set := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if wf.Workers != nil && !set["workers"] {
			wl.Workers = *wf.Workers
		}
		if wf.Iters != nil && !set["iters"] {
			wl.Iters = *wf.Iters
		}
		if wf.SharedRatio != nil && !set["shared-ratio"] {
			wl.SharedRatio = *wf.SharedRatio
		}
		if wf.Duration != "" && !set["duration"] {
			d, err := time.ParseDuration(wf.Duration)
			if err != nil {
				return wl, fmt.Errorf("%s: duration: %w", a.config, err)
			}
			wl.Duration = d
		}
	}
	switch {
	case wl.Workers < 1:
		return wl, fmt.Errorf("workers must be at least 1, got %d", wl.Workers)
	case wl.Duration <= 0 && wl.Iters < 1:
		return wl, fmt.Errorf("iters must be at least 1, got %d", wl.Iters)
	case wl.SharedRatio < 0 || wl.SharedRatio > 1:
		return wl, fmt.Errorf("shared-ratio must be in [0, 1], got %v", wl.SharedRatio)
	}
	return wl, nil
}

// running reports whether iteration n of wl should run.
func (wl workload) running(ctx context.Context, n int) bool {
	if ctx.Err() != nil {
		return false
	}
	return wl.Duration > 0 || n < wl.Iters
}

var errViolation = errors.New("mutual exclusion violated")

type mutexResult struct {
	Exclusive    int64
	Shared       int64
	Upgrades     int64
	UpgradeFails int64
	AsyncQueued  int64
	Elapsed      time.Duration
}

func (r mutexResult) String() string {
	return fmt.Sprintf("%d exclusive (%d queued async), %d shared, %d upgrades (%d failed) in %v",
		r.Exclusive, r.AsyncQueued, r.Shared, r.Upgrades, r.UpgradeFails, r.Elapsed.Round(time.Millisecond))
}

// runMutex runs wl against a single mtx.Mutex. Every exclusive section
// bumps a counter guarded only by the mutex; the final count must match.
func runMutex(ctx context.Context, wl workload) (mutexResult, error) {
	var (
		m mtx.Mutex

		writers, readers atomic.Int32
		guarded          int64 // protected by m
		res              mutexResult
		exclusive        atomic.Int64
		shared           atomic.Int64
		upgrades         atomic.Int64
		upgradeFails     atomic.Int64
		asyncQueued      atomic.Int64
	)
	m.Init("lockstress")

	writeSection := func(td *lwkt.Thread) error {
		defer writers.Add(-1)
		if n := writers.Add(1); n != 1 || readers.Load() != 0 {
			return fmt.Errorf("%w: %v saw %d writers, %d readers", errViolation, td, n, readers.Load())
		}
		guarded++
		exclusive.Add(1)
		return nil
	}
	readSection := func(td *lwkt.Thread) error {
		defer readers.Add(-1)
		readers.Add(1)
		if n := writers.Load(); n != 0 || m.IsExclusive() {
			return fmt.Errorf("%w: %v read under %d writers", errViolation, td, n)
		}
		shared.Add(1)
		return nil
	}

	start := time.Now()
	var g taskgroup.Group
	for i := range wl.Workers {
		td := lwkt.NewThread(fmt.Sprintf("mtx-%d", i))
		rng := rand.New(rand.NewPCG(uint64(start.UnixNano()), uint64(i)))
		xl, rl := syncs.Locker(&m, td), syncs.RLocker(&m, td)
		g.Go(func() error {
			for n := 0; wl.running(ctx, n); n++ {
				r := rng.Float64()
				switch {
				case r < wl.SharedRatio/2:
					rl.Lock()
					err := readSection(td)
					rl.Unlock()
					if err != nil {
						return err
					}
				case r < wl.SharedRatio:
					// Read, upgrade to write, then downgrade and read again.
					m.LockShared(td, "")
					if err := m.TryUpgrade(td); err != nil {
						if !errors.Is(err, mtx.ErrDeadlock) {
							m.Unlock()
							return err
						}
						upgradeFails.Add(1)
						m.Unlock()
						if m.LockContext(ctx, td, "") != nil {
							return nil
						}
					} else {
						upgrades.Add(1)
					}
					err := writeSection(td)
					if err == nil {
						m.Downgrade(td)
						err = readSection(td)
					}
					m.Unlock()
					if err != nil {
						return err
					}
				case r < (1+wl.SharedRatio)/2:
					xl.Lock()
					err := writeSection(td)
					xl.Unlock()
					if err != nil {
						return err
					}
				default:
					if l := m.LockAsync(td, "", nil); l != nil {
						asyncQueued.Add(1)
						if l.Wait(ctx) != nil && l.Abort() {
							return nil
						}
						// Granted, possibly just as we gave up.
						if err := l.Wait(context.Background()); err != nil {
							return err
						}
					}
					err := writeSection(td)
					m.Unlock()
					if err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res = mutexResult{
		Exclusive:    exclusive.Load(),
		Shared:       shared.Load(),
		Upgrades:     upgrades.Load(),
		UpgradeFails: upgradeFails.Load(),
		AsyncQueued:  asyncQueued.Load(),
		Elapsed:      time.Since(start),
	}
	if err != nil {
		return res, err
	}
	if m.IsLocked() {
		return res, fmt.Errorf("mutex left locked: %v", &m)
	}
	if guarded != res.Exclusive {
		return res, fmt.Errorf("%w: guarded counter is %d, want %d", errViolation, guarded, res.Exclusive)
	}
	return res, nil
}

type serializerResult struct {
	Entered        int64
	HandlerCalls   int64
	HandlerSkipped int64
	GateToggles    int64
	Elapsed        time.Duration
}

func (r serializerResult) String() string {
	return fmt.Sprintf("%d entries, %d handler calls (%d skipped), %d gate toggles in %v",
		r.Entered, r.HandlerCalls, r.HandlerSkipped, r.GateToggles, r.Elapsed.Round(time.Millisecond))
}

// runSerializer runs wl against a single slz.Serializer while a separate
// thread flips the handler gate. The gate only changes while that thread
// holds the serializer, so a handler that runs must see it open.
func runSerializer(ctx context.Context, wl workload) (serializerResult, error) {
	var (
		s   slz.Serializer
		aux slz.Serializer // taken together with s as a set

		inside       atomic.Int32
		entered      atomic.Int64
		handlerCalls atomic.Int64
		skipped      atomic.Int64
		toggles      atomic.Int64
	)
	s.Init("lockstress")
	aux.Init("lockstress-aux")
	set := []*slz.Serializer{&s, &aux}

	section := func(td *lwkt.Thread) error {
		defer inside.Add(-1)
		if n := inside.Add(1); n != 1 {
			return fmt.Errorf("%w: %v saw %d threads inside", errViolation, td, n)
		}
		entered.Add(1)
		return nil
	}

	start := time.Now()
	stop := make(chan struct{})
	var toggler taskgroup.Group
	toggler.Go(func() error {
		td := lwkt.NewThread("slz-gate")
		defer func() {
			s.Enter(td)
			s.HandlerEnable()
			s.Exit(td)
		}()
		for {
			select {
			case <-stop:
				return nil
			case <-time.After(50 * time.Microsecond):
			}
			s.Enter(td)
			if s.HandlerEnabled() {
				s.HandlerDisable()
			} else {
				s.HandlerEnable()
			}
			s.Exit(td)
			toggles.Add(1)
		}
	})

	var g taskgroup.Group
	for i := range wl.Workers {
		td := lwkt.NewThread(fmt.Sprintf("slz-%d", i))
		rng := rand.New(rand.NewPCG(uint64(start.UnixNano()), uint64(i)))
		adaptive := syncs.SerializerLocker(&s, td, true)
		g.Go(func() error {
			var err error
			handler := func(arg any) {
				if !s.HandlerEnabled() {
					err = fmt.Errorf("%w: handler for %v ran with the gate closed", errViolation, arg)
					return
				}
				handlerCalls.Add(1)
				err = section(td)
			}
			for n := 0; wl.running(ctx, n) && err == nil; n++ {
				switch rng.IntN(7) {
				case 0:
					if s.EnterContext(ctx, td) != nil {
						return nil
					}
					err = section(td)
					s.Exit(td)
				case 1:
					adaptive.Lock()
					err = section(td)
					adaptive.Unlock()
				case 2:
					if s.TryEnter(td) {
						err = section(td)
						s.Exit(td)
					}
				case 3:
					if !s.HandlerCall(td, handler, td) {
						skipped.Add(1)
					}
				case 4:
					if !s.HandlerTry(td, handler, td) {
						skipped.Add(1)
					}
				case 5:
					slz.ArrayEnter(td, set, 0)
					err = section(td)
					slz.ArrayExit(td, set, 0)
				case 6:
					if slz.ArrayTry(td, set, 0) {
						err = section(td)
						slz.ArrayExit(td, set, 0)
					}
				}
			}
			return err
		})
	}
	err := g.Wait()
	close(stop)
	toggler.Wait()

	res := serializerResult{
		Entered:        entered.Load(),
		HandlerCalls:   handlerCalls.Load(),
		HandlerSkipped: skipped.Load(),
		GateToggles:    toggles.Load(),
		Elapsed:        time.Since(start),
	}
	if err != nil {
		return res, err
	}
	for _, s := range set {
		if s.Owner() != nil || s.Waiters() != 0 {
			return res, fmt.Errorf("serializer left busy: %v", s)
		}
	}
	return res, nil
}
