package main

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Profiling session toggled by SIGUSR2, cut down from the
// github.com/zeromicro/go-zero profiling helpers to the profiles the
// relay's signal loop actually drives.

const (
	memProfileRate = 4096
	dumpTimeFormat = "20060102_150405"
)

// Profiler is one SIGUSR2-delimited profiling session writing cpu,
// heap and trace data under the relay's pprof dir.
type Profiler struct {
	dataDir string
	closers []func()
	stopped uint32
}

func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir}
	p.startCpuProfile()
	p.startHeapProfile()
	p.startTraceProfile()
	return p
}

// Stop flushes and closes every running profile. Idempotent: the
// signal loop and the shutdown path may both call it.
func (p *Profiler) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	for _, closer := range p.closers {
		closer()
	}
}

func (p *Profiler) startCpuProfile() {
	fn := p.dumpPath("cpu.pprof")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: create cpu profile %q err: %v", fn, err)
		return
	}

	glog.Infof("pprof: cpu profiling enabled, %s", fn)
	pprof.StartCPUProfile(f)
	p.closers = append(p.closers, func() {
		pprof.StopCPUProfile()
		f.Close()
		glog.Infof("pprof: cpu profiling disabled, %s", fn)
	})
}

func (p *Profiler) startHeapProfile() {
	fn := p.dumpPath("heap.pprof")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: create heap profile %q err: %v", fn, err)
		return
	}

	old := runtime.MemProfileRate
	runtime.MemProfileRate = memProfileRate
	glog.Infof("pprof: heap profiling enabled (rate %d), %s", runtime.MemProfileRate, fn)
	p.closers = append(p.closers, func() {
		pprof.Lookup("heap").WriteTo(f, 0)
		f.Close()
		runtime.MemProfileRate = old
		glog.Infof("pprof: heap profiling disabled, %s", fn)
	})
}

func (p *Profiler) startTraceProfile() {
	fn := p.dumpPath("trace.out")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: create trace file %q err: %v", fn, err)
		return
	}

	if err := trace.Start(f); err != nil {
		glog.Errorf("pprof: start trace err: %v", err)
		f.Close()
		return
	}

	glog.Infof("pprof: trace enabled, %s", fn)
	p.closers = append(p.closers, func() {
		trace.Stop()
		f.Close()
		glog.Infof("pprof: trace disabled, %s", fn)
	})
}

// dumpGoroutines answers SIGUSR1 with a full goroutine dump, the first
// thing to look at when the fan-out appears stuck.
func (p *Profiler) dumpGoroutines() {
	fn := p.dumpPath("goroutines.dump")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: create goroutine dump %q err: %v", fn, err)
		return
	}
	defer f.Close()

	glog.Infof("pprof: dumping goroutines to %s", fn)
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("pprof: write goroutine dump err: %v", err)
	}
}

func (p *Profiler) dumpPath(suffix string) string {
	return path.Join(p.dataDir, fmt.Sprintf("%s-%s", time.Now().Format(dumpTimeFormat), suffix))
}
