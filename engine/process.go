package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Proc func(context.Context) error

// ProcMgr is like a fancy implementation of sync.WaitGroup.
//
// Procs are expected to run until the context is canceled. A proc that
// returns while the context is still live is a programmer error and panics
// the process.
type ProcMgr struct {
	procs []Proc

	// DrainTimeout bounds how long Run waits for procs to return after the
	// context is canceled. Procs still running when it elapses are abandoned.
	// Zero means wait forever.
	DrainTimeout time.Duration
}

func (p *ProcMgr) Add(proc Proc) { p.procs = append(p.procs, proc) }

func (p *ProcMgr) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, proc := range p.procs {
		wg.Add(1)
		go func(proc Proc) {
			defer wg.Done()
			err := proc(ctx)
			if err == nil && ctx.Err() == nil {
				panic("a proc returned unexpectedly!")
			}
			if err != nil && ctx.Err() == nil {
				panic(fmt.Sprintf("proc returned an error: %s", err))
			}
		}(proc)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if p.DrainTimeout <= 0 {
		<-done
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(p.DrainTimeout):
			slog.Warn("shutdown drain timeout elapsed, abandoning remaining workers", "timeout", p.DrainTimeout)
		}
	}
}
