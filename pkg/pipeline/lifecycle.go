package pipeline

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.uber.org/multierr"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/client"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/errs"
)

// Start compiles the program, creates the connectors and the pipeline, and
// starts it. Listeners registered before Start are connected before the
// pipeline processes any input. A compilation failure is returned as an
// *errs.CompilationError and leaves the session Failed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Created || s.starting {
		state := s.state
		s.mu.Unlock()
		return errors.NotSupportedf("starting a %s session", state)
	}
	s.starting = true
	s.mu.Unlock()

	begin := time.Now()
	err := s.start(ctx)

	s.mu.Lock()
	s.starting = false
	if err != nil {
		s.failure = err
	}
	s.mu.Unlock()

	if err != nil {
		s.setState(Failed)
		s.recordError("start", err)
		s.logger.Errorf("session %s failed to start: %v", s.name, err)
		return err
	}
	s.setState(Running)
	if s.metrics != nil {
		s.metrics.RecordOperationDuration(s.name, "start", time.Since(begin).Seconds())
	}
	s.logger.Infof("session %s running", s.name)
	return nil
}

func (s *Session) start(ctx context.Context) error {
	code := s.programCode()
	s.logger.Debugf("program of session %s:\n%s", s.name, code)

	if _, err := s.client.PutProgram(ctx, s.name, s.description, code); err != nil {
		return errors.Trace(err)
	}
	if err := s.client.CompileProgram(ctx, s.name); err != nil {
		return errors.Trace(err)
	}
	if err := s.waitCompiled(ctx); err != nil {
		return err
	}
	s.setState(Compiled)

	s.mu.RLock()
	bindings := s.connectors.All()
	s.mu.RUnlock()

	def := client.Pipeline{
		Name:        s.name,
		Description: s.description,
		ProgramName: s.name,
		Config:      client.RuntimeConfig{Workers: s.workers, Resources: s.resources},
	}
	for _, b := range bindings {
		if err := s.client.PutConnector(ctx, b.RemoteName(s.name), b.Descriptor()); err != nil {
			return errors.Annotatef(err, "creating connector %q", b.Name)
		}
		def.Connectors = append(def.Connectors, b.Attachment(s.name))
	}
	if _, err := s.client.PutPipeline(ctx, def); err != nil {
		return errors.Trace(err)
	}

	// Deploy paused so listeners see the stream from its first change.
	if err := s.client.Action(ctx, s.name, client.ActionPause); err != nil {
		return errors.Trace(err)
	}
	if err := s.waitStatus(ctx, client.StatusPaused); err != nil {
		return err
	}

	s.mu.RLock()
	pending := append(s.listeners[:0:0], s.listeners...)
	s.mu.RUnlock()
	for _, l := range pending {
		if err := l.Start(ctx); err != nil {
			return errors.Annotatef(err, "connecting listener of view %q", l.View())
		}
	}

	if err := s.client.Action(ctx, s.name, client.ActionStart); err != nil {
		return errors.Trace(err)
	}
	return s.waitStatus(ctx, client.StatusRunning)
}

func (s *Session) waitCompiled(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		p, err := s.client.GetProgram(ctx, s.name)
		if err != nil {
			return errors.Trace(err)
		}
		if p.Status.Done() {
			return p.Status.Err(s.name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitStatus polls the pipeline until it reports want. A Failed pipeline ends
// the wait with the error reported by the service.
func (s *Session) waitStatus(ctx context.Context, want string) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		p, err := s.client.GetPipeline(ctx, s.name)
		if err != nil {
			return errors.Trace(err)
		}
		if p.Status == want {
			return nil
		}
		if p.Status == client.StatusFailed {
			return errors.Errorf("pipeline %s failed: %s", s.name, p.Error)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pause stops a running session from processing input. Pushed input is
// buffered until Resume.
func (s *Session) Pause(ctx context.Context) error {
	if st := s.State(); st != Running {
		return errors.NotSupportedf("pausing a %s session", st)
	}
	if err := s.client.Action(ctx, s.name, client.ActionPause); err != nil {
		return errors.Trace(err)
	}
	if err := s.waitStatus(ctx, client.StatusPaused); err != nil {
		return err
	}
	s.setState(Paused)
	return nil
}

// Resume restarts a paused session.
func (s *Session) Resume(ctx context.Context) error {
	if st := s.State(); st != Paused {
		return errors.NotSupportedf("resuming a %s session", st)
	}
	if err := s.client.Action(ctx, s.name, client.ActionStart); err != nil {
		return errors.Trace(err)
	}
	if err := s.waitStatus(ctx, client.StatusRunning); err != nil {
		return err
	}
	s.setState(Running)
	return nil
}

// Shutdown stops the pipeline. Goroutines blocked in WaitForCompletion or
// WaitForIdle return errs.ErrTerminated and every listener reaches the end of
// its stream.
func (s *Session) Shutdown(ctx context.Context) error {
	switch st := s.State(); st {
	case Running, Paused:
	default:
		return errors.NotSupportedf("shutting down a %s session", st)
	}
	s.setState(ShuttingDown)
	s.terminate()

	err := s.client.Action(ctx, s.name, client.ActionShutdown)
	if err == nil {
		err = s.waitStatus(ctx, client.StatusShutdown)
	}
	s.drainListeners()
	s.setState(Terminated)
	if err != nil {
		s.recordError("shutdown", err)
		return errors.Annotatef(err, "shutting down session %s", s.name)
	}
	s.logger.Infof("session %s shut down", s.name)
	return nil
}

func (s *Session) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.terminated:
	default:
		close(s.terminated)
	}
}

func (s *Session) drainListeners() {
	s.mu.RLock()
	listeners := append(s.listeners[:0:0], s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		l.Drain()
	}
}

// Delete removes the pipeline and the program from the service, shutting the
// pipeline down first when needed. Connectors are removed too when
// deleteConnectors is set. Delete fails with errors.NotFound when nothing of
// the session existed on the service.
func (s *Session) Delete(ctx context.Context, deleteConnectors bool) error {
	switch st := s.State(); st {
	case Deleted:
		return errors.NotFoundf("session %q", s.name)
	case Running, Paused:
		if err := s.Shutdown(ctx); err != nil {
			return err
		}
	case Created, Compiled, Failed, ShuttingDown, Terminated:
		if err := s.shutdownRemote(ctx); err != nil {
			return err
		}
	}
	s.terminate()
	s.drainListeners()

	var (
		existed bool
		err     error
	)
	remove := func(what string, fn func() error) {
		switch e := fn(); {
		case e == nil:
			existed = true
		case errors.Is(e, errors.NotFound):
		default:
			err = multierr.Append(err, errors.Annotatef(e, "deleting %s", what))
		}
	}

	remove("pipeline "+s.name, func() error { return s.client.DeletePipeline(ctx, s.name) })
	remove("program "+s.name, func() error { return s.client.DeleteProgram(ctx, s.name) })
	if deleteConnectors {
		s.mu.RLock()
		bindings := s.connectors.All()
		s.mu.RUnlock()
		for _, b := range bindings {
			name := b.RemoteName(s.name)
			remove("connector "+name, func() error { return s.client.DeleteConnector(ctx, name) })
		}
	}
	if err != nil {
		s.recordError("delete", err)
		return err
	}
	s.setState(Deleted)
	if !existed {
		return errors.NotFoundf("session %q", s.name)
	}
	s.logger.Infof("session %s deleted", s.name)
	return nil
}

// shutdownRemote stops a pipeline left deployed by a failed start.
func (s *Session) shutdownRemote(ctx context.Context) error {
	p, err := s.client.GetPipeline(ctx, s.name)
	if errors.Is(err, errors.NotFound) {
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	if p.Status == client.StatusShutdown {
		return nil
	}
	if err := s.client.Action(ctx, s.name, client.ActionShutdown); err != nil {
		return errors.Trace(err)
	}
	return s.waitStatus(ctx, client.StatusShutdown)
}

// WaitForCompletion blocks until every input connector reached the end of its
// input and the pipeline processed everything it received. With waitForIdle it
// also waits for WaitForIdle. Pipelines fed by unbounded sources only complete
// through Shutdown, which makes the wait return errs.ErrTerminated.
func (s *Session) WaitForCompletion(ctx context.Context, waitForIdle bool) error {
	if err := s.checkWaitable(); err != nil {
		return err
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		st, err := s.client.Stats(ctx, s.name)
		if s.isTerminated() {
			return errs.Terminatedf("session %s shut down while waiting for completion", s.name)
		}
		if err != nil {
			return errors.Trace(err)
		}
		if st.Global.PipelineComplete && st.Idle() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.terminated:
			return errs.Terminatedf("session %s shut down while waiting for completion", s.name)
		case <-ticker.C:
		}
	}
	if waitForIdle {
		return s.WaitForIdle(ctx)
	}
	return nil
}

// WaitForIdle blocks until the pipeline processed every record it received
// and its counters stayed unchanged for the idle interval.
func (s *Session) WaitForIdle(ctx context.Context) error {
	if err := s.checkWaitable(); err != nil {
		return err
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var (
		last  client.GlobalMetrics
		since time.Time
	)
	for {
		st, err := s.client.Stats(ctx, s.name)
		if s.isTerminated() {
			return errs.Terminatedf("session %s shut down while waiting for idle", s.name)
		}
		if err != nil {
			return errors.Trace(err)
		}
		g := st.Global
		switch {
		case !st.Idle():
			since = time.Time{}
		case since.IsZero() || g.TotalInputRecords != last.TotalInputRecords || g.TotalProcessedRecords != last.TotalProcessedRecords:
			since, last = time.Now(), g
		case time.Since(since) >= s.idleInterval:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.terminated:
			return errs.Terminatedf("session %s shut down while waiting for idle", s.name)
		case <-ticker.C:
		}
	}
}

func (s *Session) checkWaitable() error {
	switch st := s.State(); st {
	case Running, Paused:
		return nil
	case ShuttingDown, Terminated, Deleted:
		return errs.Terminatedf("session %s is %s", s.name, st)
	default:
		return errors.NotSupportedf("waiting on a %s session", st)
	}
}

// Resources returns the resources configured on the service, or the requested
// ones before Start.
func (s *Session) Resources(ctx context.Context) (*Resources, error) {
	switch s.State() {
	case Created, Failed, Deleted:
		if s.resources == nil {
			return &Resources{}, nil
		}
		r := *s.resources
		return &r, nil
	}
	cfg, err := s.client.GetPipelineConfig(ctx, s.name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Resources == nil {
		return &Resources{}, nil
	}
	return cfg.Resources, nil
}
