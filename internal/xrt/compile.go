package xrt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-xrt/internal/cache"
	"github.com/23skdu/longbow-xrt/internal/handle"
	"github.com/23skdu/longbow-xrt/internal/hlo"
	"github.com/23skdu/longbow-xrt/internal/wire"
	"github.com/23skdu/longbow-xrt/internal/xsync"
)

type compileJob struct {
	index   int
	program *hlo.Program
	key     cache.Key
}

// Compile compiles instances on device d for replicated execution on replicaDevices,
// one replica per device. An empty replicaDevices compiles for d alone. Programs
// already compiled in the resource domain of d are served from the cache; the rest
// are compiled with a single RPC. Results are in instance order.
func (c *Client) Compile(ctx context.Context, d string, replicaDevices []string, instances []CompileInstance) ([]*Computation, error) {
	ctx, span := tracer.Start(ctx, "Compile", trace.WithAttributes(
		attribute.String("device", d),
		attribute.Int("instances", len(instances)),
		attribute.Int("replicas", max(len(replicaDevices), 1)),
	))
	defer span.End()
	defer observe(opCompile, time.Now())

	eff, err := c.effective(d)
	if err != nil {
		return nil, err
	}
	domain, err := c.topo.ResourceDomain(eff)
	if err != nil {
		return nil, invariantf("%v", err)
	}
	assignment, err := c.topo.DeviceAssignment(replicaDevices)
	if err != nil {
		return nil, invariantf("device assignment: %v", err)
	}
	devices := replicaDevices
	if len(devices) == 0 {
		devices = []string{eff}
	}

	for i, inst := range instances {
		if inst.Module == nil {
			return nil, invariantf("compile instance %d has no module", i)
		}
	}
	jobs := make([]compileJob, len(instances))
	mw := xsync.NewMultiWait(len(instances))
	for i, inst := range instances {
		c.pool.Go(mw, func() error {
			p := hlo.NewProgram(inst.Module, len(replicaDevices), assignment, inst.OutputShape)
			data, err := p.Serialize()
			if err != nil {
				return errors.Wrapf(err, "serializing %s", inst.Module.Name)
			}
			jobs[i] = compileJob{index: i, program: p, key: cache.Key{Domain: domain, Data: data}}
			return nil
		})
	}
	if err := mw.Wait(); err != nil {
		return nil, err
	}

	results := make([]*Computation, len(instances))
	var misses []compileJob
	for _, job := range jobs {
		if comp, ok := c.compiled.Get(job.key); ok {
			compileCacheLookups.WithLabelValues("hit").Inc()
			results[job.index] = comp.Retain()
			continue
		}
		compileCacheLookups.WithLabelValues("miss").Inc()
		misses = append(misses, job)
	}
	span.SetAttributes(attribute.Int("cache_misses", len(misses)))
	if len(misses) == 0 {
		return results, nil
	}

	handles, err := c.compilePrograms(ctx, eff, misses)
	if err != nil {
		span.RecordError(err)
		for _, comp := range results {
			if comp != nil {
				comp.Release()
			}
		}
		return nil, err
	}
	for i, job := range misses {
		comp := &Computation{
			program: job.program,
			device:  eff,
			devices: devices,
			domain:  domain,
			handle:  handles[i],
			token:   c.releaser.NewToken(handle.KindCompilation, eff, handles[i]),
		}
		if prev, replaced := c.compiled.Put(job.key, comp.Retain()); replaced {
			prev.Release()
		}
		results[job.index] = comp
	}
	return results, nil
}

func (c *Client) compilePrograms(ctx context.Context, d string, jobs []compileJob) ([]int64, error) {
	infos := make([]ComputationInfo, len(jobs))
	req := wire.CompileRequest{Programs: make([][]byte, len(jobs))}
	for i, job := range jobs {
		infos[i] = ComputationInfo{Name: job.program.Module.Name, OutputShape: job.program.Config.ProgramShape.Result}
		req.Programs[i] = job.key.Data
	}

	target, err := c.target(d)
	if err != nil {
		return nil, err
	}
	s, err := c.execSessions.GetSession(ctx, target)
	if err != nil {
		return nil, err
	}
	defer s.Reset()
	n, err := c.node(s, wire.OpCompile, d, nil)
	if err != nil {
		return nil, err
	}
	req.Device = n.Device

	start := time.Now()
	var resp wire.HandlesResponse
	if err := s.Do(ctx, wire.ActionCompile, req, &resp); err != nil {
		return nil, errors.WithStack(&CompilationError{Device: d, Computations: infos, Err: err})
	}
	elapsed := time.Since(start)
	if len(resp.Handles) != len(jobs) {
		return nil, errors.WithStack(&CompilationError{
			Device:       d,
			Computations: infos,
			Err:          errors.Errorf("got %d handles for %d programs", len(resp.Handles), len(jobs)),
		})
	}
	log.Debug().Str("device", d).Int("programs", len(jobs)).Dur("elapsed", elapsed).Msg("compiled")
	for _, job := range jobs {
		c.maybeDumpSlowCompile(elapsed, job.program.Module)
	}
	return resp.Handles, nil
}

// maybeDumpSlowCompile writes the module text of compilations slower than the
// configured threshold to the slow compile folder.
func (c *Client) maybeDumpSlowCompile(elapsed time.Duration, m *hlo.Module) {
	threshold := c.cfg.CompileTimeThreshold
	if threshold <= 0 || c.cfg.SlowCompileHLOFolder == "" || elapsed <= threshold {
		return
	}
	slowCompiles.Inc()
	n := c.dumpCount.Add(1) - 1
	path := filepath.Join(c.cfg.SlowCompileHLOFolder, fmt.Sprintf("hlo_module-%d-%ds.txt", n, int64(elapsed.Seconds())))
	if err := os.WriteFile(path, []byte(m.Text()+"\n"), 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to dump slow compilation")
		return
	}
	log.Warn().Str("module", m.Name).Dur("elapsed", elapsed).Str("path", path).Msg("slow compilation")
}
