package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/console-server-go/internal/errors"
	"github.com/openclaw/console-server-go/internal/model"
)

type probeStep struct {
	report model.HealthReport
	err    error
}

// stubProbe replays a scripted sequence of health reports per instance;
// the last step repeats forever.
type stubProbe struct {
	mu    sync.Mutex
	steps []probeStep
	calls map[string]int
}

func newStubProbe(steps ...probeStep) *stubProbe {
	return &stubProbe{steps: steps, calls: make(map[string]int)}
}

func (p *stubProbe) CheckHealth(ctx context.Context, instanceID string) (model.HealthReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls[instanceID]
	p.calls[instanceID]++
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	return p.steps[i].report, p.steps[i].err
}

func (p *stubProbe) callsFor(instanceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[instanceID]
}

var (
	notLinked  = probeStep{report: model.HealthReport{}}
	linked     = probeStep{report: model.HealthReport{Authenticated: true, Connected: true}}
	reauthOnly = probeStep{report: model.HealthReport{Authenticated: true, Connected: true, NeedsReauth: true}}
)

// stubSource issues sequential pairing codes. A call number equal to
// blockOn parks until gate is closed, letting tests hold a fetch in flight.
type stubSource struct {
	mu      sync.Mutex
	calls   int
	failing bool
	blockOn int
	gate    chan struct{}
}

func (s *stubSource) FetchPairingCode(ctx context.Context, instanceID string) (model.PairingArtifact, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	failing := s.failing
	gate := s.gate
	blockOn := s.blockOn
	s.mu.Unlock()

	if gate != nil && n == blockOn {
		<-gate
	}
	if failing {
		return model.PairingArtifact{}, apperrors.ProbeFailed("pairing code fetch", fmt.Errorf("gateway down"))
	}
	return model.PairingArtifact{
		Code:      fmt.Sprintf("CODE-%04d", n),
		ExpiresAt: time.Now().Add(20 * time.Second),
	}, nil
}

func (s *stubSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSource) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

type phaseEvent struct {
	status model.PairingStatus
	detail string
}

// recordingSink captures every controller callback.
type recordingSink struct {
	mu        sync.Mutex
	phases    []phaseEvent
	artifacts []model.PairingStatus
	successes []model.PairingStatus
	refreshes int
}

func (r *recordingSink) PairingPhaseChanged(status model.PairingStatus, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phaseEvent{status: status, detail: detail})
}

func (r *recordingSink) PairingArtifactUpdated(status model.PairingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, status)
}

func (r *recordingSink) PairingSucceeded(status model.PairingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, status)
}

func (r *recordingSink) RefreshInstances() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
}

func (r *recordingSink) successCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes)
}

func (r *recordingSink) refreshCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshes
}

func (r *recordingSink) artifactCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.artifacts)
}

func (r *recordingSink) phaseSeqFor(sessionID string) []model.PairingPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var seq []model.PairingPhase
	for _, e := range r.phases {
		if e.status.SessionID == sessionID {
			seq = append(seq, e.status.Phase)
		}
	}
	return seq
}

func (r *recordingSink) lastDetailFor(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	detail := ""
	for _, e := range r.phases {
		if e.status.SessionID == sessionID {
			detail = e.detail
		}
	}
	return detail
}

// fastTimings keeps loop tests well under a second.
func fastTimings() PairingTimings {
	return PairingTimings{
		InitialDelay:    10 * time.Millisecond,
		ProbeInterval:   25 * time.Millisecond,
		RefreshInterval: 500 * time.Millisecond,
		SuccessDwell:    20 * time.Millisecond,
	}
}

// slowProbeTimings makes the refresh tick the only scheduled activity.
func slowProbeTimings() PairingTimings {
	return PairingTimings{
		InitialDelay:    time.Second,
		ProbeInterval:   time.Second,
		RefreshInterval: 30 * time.Millisecond,
		SuccessDwell:    10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestOpenValidation(t *testing.T) {
	probe := newStubProbe(notLinked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, fastTimings())

	t.Run("rejects malformed instance id without side effects", func(t *testing.T) {
		status, err := c.Open(context.Background(), "no spaces allowed")

		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		assert.Equal(t, apperrors.ErrCodeInvalidInstanceID, apperrors.GetCode(err))
		assert.Nil(t, status)
		assert.Nil(t, c.Status())
		assert.Zero(t, probe.callsFor("no spaces allowed"))
		assert.Zero(t, source.count())
	})

	t.Run("rejects empty instance id", func(t *testing.T) {
		_, err := c.Open(context.Background(), "")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("a failed validation leaves the active session alone", func(t *testing.T) {
		defer c.Close()

		status, err := c.Open(context.Background(), "7")
		require.NoError(t, err)

		_, err = c.Open(context.Background(), "../etc")
		require.Error(t, err)

		current := c.Status()
		require.NotNil(t, current)
		assert.Equal(t, status.SessionID, current.SessionID)
		assert.NotEqual(t, model.PhaseClosed, current.Phase)
	})
}

func TestOpenFetchesArtifact(t *testing.T) {
	probe := newStubProbe(notLinked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, PairingTimings{
		InitialDelay:    time.Second,
		ProbeInterval:   time.Second,
		RefreshInterval: time.Second,
		SuccessDwell:    10 * time.Millisecond,
	})
	defer c.Close()

	status, err := c.Open(context.Background(), "7")
	require.NoError(t, err)

	assert.Equal(t, "7", status.InstanceID)
	assert.Equal(t, model.PhaseAwaitingScan, status.Phase)
	require.NotNil(t, status.Artifact)
	assert.Equal(t, "CODE-0001", status.Artifact.Code)
	require.NotNil(t, status.IssuedAt)

	assert.Equal(t, []model.PairingPhase{
		model.PhaseOpening, model.PhaseAwaitingArtifact, model.PhaseAwaitingScan,
	}, sink.phaseSeqFor(status.SessionID))
	assert.Equal(t, 1, sink.artifactCount())
}

func TestOpenShortCircuitsWhenAlreadyLinked(t *testing.T) {
	probe := newStubProbe(linked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, fastTimings())

	status, err := c.Open(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseSuccess, status.Phase)
	assert.Nil(t, status.Artifact)
	assert.Zero(t, source.count(), "no pairing code is fetched for a linked instance")

	waitFor(t, func() bool { return sink.refreshCount() == 1 }, "dwell should settle the session")
	assert.Equal(t, model.PhaseClosed, c.Status().Phase)
	assert.Equal(t, 1, sink.successCount())

	// The polling loop never started for this session.
	probes := probe.callsFor("7")
	time.Sleep(4 * fastTimings().ProbeInterval)
	assert.Equal(t, probes, probe.callsFor("7"))
}

func TestPairingSucceedsOnThirdCheck(t *testing.T) {
	probe := newStubProbe(notLinked, notLinked, linked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, fastTimings())

	status, err := c.Open(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseAwaitingScan, status.Phase)

	waitFor(t, func() bool { return sink.successCount() == 1 }, "third health check should succeed")
	waitFor(t, func() bool { return sink.refreshCount() == 1 }, "settled session should request one registry refresh")

	assert.Equal(t, model.PhaseClosed, c.Status().Phase)
	assert.Equal(t, 3, probe.callsFor("7"))
	assert.Equal(t, 1, source.count())
	assert.Equal(t, []model.PairingPhase{
		model.PhaseOpening, model.PhaseAwaitingArtifact, model.PhaseAwaitingScan,
		model.PhaseSuccess, model.PhaseClosed,
	}, sink.phaseSeqFor(status.SessionID))
	assert.Equal(t, "linked", sink.lastDetailFor(status.SessionID))

	// Nothing fires after the session settles.
	probes := probe.callsFor("7")
	time.Sleep(4 * fastTimings().ProbeInterval)
	assert.Equal(t, probes, probe.callsFor("7"))
	assert.Equal(t, 1, sink.refreshCount())
	assert.Equal(t, 1, sink.successCount())
}

func TestReauthNeverSucceeds(t *testing.T) {
	probe := newStubProbe(reauthOnly)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, fastTimings())
	defer c.Close()

	_, err := c.Open(context.Background(), "7")
	require.NoError(t, err)

	waitFor(t, func() bool { return probe.callsFor("7") >= 5 }, "loop should keep probing")

	assert.Zero(t, sink.successCount(), "authenticated+connected+needsReauth must never count as linked")
	assert.Zero(t, sink.refreshCount())
	assert.Equal(t, model.PhaseAwaitingScan, c.Status().Phase)
}

func TestProbeErrorsAreRetriedForever(t *testing.T) {
	probe := newStubProbe(
		probeStep{err: apperrors.ProbeFailed("health check", fmt.Errorf("down"))},
		probeStep{err: apperrors.ProbeFailed("health check", fmt.Errorf("still down"))},
		probeStep{err: apperrors.ProbeFailed("health check", fmt.Errorf("really down"))},
		linked,
	)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, fastTimings())

	_, err := c.Open(context.Background(), "7")
	require.NoError(t, err, "probe failures never surface from Open")

	waitFor(t, func() bool { return sink.successCount() == 1 }, "session should recover once the gateway does")
	assert.GreaterOrEqual(t, probe.callsFor("7"), 4)
}

func TestOpenSurvivesArtifactFetchFailure(t *testing.T) {
	probe := newStubProbe(notLinked)
	source := &stubSource{failing: true}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, slowProbeTimings())
	defer c.Close()

	status, err := c.Open(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseAwaitingArtifact, status.Phase)
	assert.Nil(t, status.Artifact)

	// The refresh tick keeps retrying and promotes the session once a
	// code finally arrives.
	waitFor(t, func() bool { return source.count() >= 3 }, "refresh should retry the fetch")
	source.setFailing(false)
	waitFor(t, func() bool {
		s := c.Status()
		return s != nil && s.Phase == model.PhaseAwaitingScan && s.Artifact != nil
	}, "first successful fetch should promote the session")

	assert.GreaterOrEqual(t, sink.artifactCount(), 1)
}

func TestRefreshReplacesArtifact(t *testing.T) {
	probe := newStubProbe(notLinked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, slowProbeTimings())
	defer c.Close()

	status, err := c.Open(context.Background(), "7")
	require.NoError(t, err)
	require.NotNil(t, status.Artifact)
	first := status.Artifact.Code

	waitFor(t, func() bool {
		s := c.Status()
		return s != nil && s.Artifact != nil && s.Artifact.Code != first
	}, "refresh should replace the artifact")

	assert.GreaterOrEqual(t, sink.artifactCount(), 2)
	assert.Equal(t, model.PhaseAwaitingScan, c.Status().Phase)
}

func TestRefreshChecksAuthBeforeFetching(t *testing.T) {
	// Probe: not linked at open, linked when the refresh tick runs its
	// inline check. The tick must stop there and never fetch a new code.
	probe := newStubProbe(notLinked, linked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, slowProbeTimings())

	_, err := c.Open(context.Background(), "7")
	require.NoError(t, err)

	waitFor(t, func() bool { return sink.successCount() == 1 }, "inline auth check should complete the session")
	waitFor(t, func() bool { return sink.refreshCount() == 1 }, "settled session should refresh the registry")

	assert.Equal(t, 1, source.count(), "the tick that succeeded must not fetch an artifact")
	assert.Equal(t, 1, sink.artifactCount())

	require.NotNil(t, c.Status().Artifact)
	assert.Equal(t, "CODE-0001", c.Status().Artifact.Code, "success keeps the artifact it was scanned with")
}

func TestStaleFetchResultIsDiscarded(t *testing.T) {
	probe := newStubProbe(notLinked)
	source := &stubSource{blockOn: 2, gate: make(chan struct{})}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, slowProbeTimings())

	status, err := c.Open(context.Background(), "7")
	require.NoError(t, err)
	require.NotNil(t, status.Artifact)

	// Wait for the refresh fetch to be in flight, close the session, then
	// let the fetch complete.
	waitFor(t, func() bool { return source.count() == 2 }, "refresh fetch should start")
	c.Close()
	close(source.gate)

	time.Sleep(50 * time.Millisecond)

	current := c.Status()
	require.NotNil(t, current)
	assert.Equal(t, model.PhaseClosed, current.Phase)
	require.NotNil(t, current.Artifact)
	assert.Equal(t, "CODE-0001", current.Artifact.Code, "late fetch result must not be written")
	assert.Equal(t, 1, sink.artifactCount())
}

func TestCloseStopsAllActivity(t *testing.T) {
	probe := newStubProbe(notLinked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, fastTimings())

	status, err := c.Open(context.Background(), "7")
	require.NoError(t, err)

	waitFor(t, func() bool { return probe.callsFor("7") >= 2 }, "loop should be running")
	c.Close()

	assert.Equal(t, model.PhaseClosed, c.Status().Phase)
	assert.Equal(t, "closed by operator", sink.lastDetailFor(status.SessionID))

	// A tick already past its liveness check may still drain one probe.
	time.Sleep(2 * fastTimings().ProbeInterval)
	probes := probe.callsFor("7")
	fetches := source.count()
	time.Sleep(5 * fastTimings().ProbeInterval)
	assert.Equal(t, probes, probe.callsFor("7"), "no probes after close")
	assert.Equal(t, fetches, source.count(), "no fetches after close")
	assert.Zero(t, sink.successCount())
	assert.Zero(t, sink.refreshCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	probe := newStubProbe(notLinked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, fastTimings())

	t.Run("close without a session is a no-op", func(t *testing.T) {
		c.Close()
		assert.Nil(t, c.Status())
	})

	t.Run("repeated close emits one closed event", func(t *testing.T) {
		status, err := c.Open(context.Background(), "7")
		require.NoError(t, err)

		c.Close()
		c.Close()
		c.Close()

		seq := sink.phaseSeqFor(status.SessionID)
		closedCount := 0
		for _, p := range seq {
			if p == model.PhaseClosed {
				closedCount++
			}
		}
		assert.Equal(t, 1, closedCount)
	})
}

func TestCloseInstanceMatchesTarget(t *testing.T) {
	probe := newStubProbe(notLinked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, fastTimings())
	defer c.Close()

	_, err := c.Open(context.Background(), "7")
	require.NoError(t, err)

	t.Run("different instance leaves the session running", func(t *testing.T) {
		c.CloseInstance("8")
		assert.NotEqual(t, model.PhaseClosed, c.Status().Phase)
	})

	t.Run("matching instance closes the session", func(t *testing.T) {
		c.CloseInstance("7")
		assert.Equal(t, model.PhaseClosed, c.Status().Phase)
	})
}

func TestOpenSupersedesPriorSession(t *testing.T) {
	// Initial delay long enough that A's timers cannot fire before it is
	// superseded.
	timings := PairingTimings{
		InitialDelay:    40 * time.Millisecond,
		ProbeInterval:   60 * time.Millisecond,
		RefreshInterval: time.Second,
		SuccessDwell:    10 * time.Millisecond,
	}
	probe := newStubProbe(notLinked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, timings)
	defer c.Close()

	statusA, err := c.Open(context.Background(), "inst-a")
	require.NoError(t, err)
	statusB, err := c.Open(context.Background(), "inst-b")
	require.NoError(t, err)

	assert.NotEqual(t, statusA.SessionID, statusB.SessionID)
	assert.Equal(t, "inst-b", c.Status().InstanceID)
	assert.Equal(t, "superseded", sink.lastDetailFor(statusA.SessionID))

	// Only B's timers fire: A was cancelled before its initial delay, so
	// its probe count stays at the one synchronous check from Open.
	waitFor(t, func() bool { return probe.callsFor("inst-b") >= 3 }, "b's loop should run")
	assert.Equal(t, 1, probe.callsFor("inst-a"))
	assert.Equal(t, 2, source.count(), "one open-path fetch per session, none from a's timers")

	aSeq := sink.phaseSeqFor(statusA.SessionID)
	require.NotEmpty(t, aSeq)
	assert.Equal(t, model.PhaseClosed, aSeq[len(aSeq)-1])

	// A receives no further events after its closed notification.
	aEvents := len(aSeq)
	time.Sleep(3 * timings.ProbeInterval)
	assert.Len(t, sink.phaseSeqFor(statusA.SessionID), aEvents)
	assert.Equal(t, 1, probe.callsFor("inst-a"))
}

func TestSuccessIsSingular(t *testing.T) {
	probe := newStubProbe(notLinked, linked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, fastTimings())

	_, err := c.Open(context.Background(), "7")
	require.NoError(t, err)

	waitFor(t, func() bool { return sink.refreshCount() >= 1 }, "session should settle")
	time.Sleep(4 * fastTimings().ProbeInterval)

	assert.Equal(t, 1, sink.successCount())
	assert.Equal(t, 1, sink.refreshCount())
}

func TestCloseDuringDwellSuppressesSettle(t *testing.T) {
	timings := fastTimings()
	timings.SuccessDwell = 150 * time.Millisecond
	probe := newStubProbe(linked)
	source := &stubSource{}
	sink := &recordingSink{}
	c := NewPairingController(probe, source, sink, timings)

	status, err := c.Open(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseSuccess, status.Phase)

	c.Close()
	time.Sleep(2 * timings.SuccessDwell)

	assert.Equal(t, model.PhaseClosed, c.Status().Phase)
	assert.Zero(t, sink.refreshCount(), "an operator close during the dwell wins over the settle")
	assert.Equal(t, "closed by operator", sink.lastDetailFor(status.SessionID))
}
