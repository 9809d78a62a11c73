package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/console-server-go/internal/errors"
	"github.com/openclaw/console-server-go/internal/model"
	"github.com/openclaw/console-server-go/internal/util"
)

// HealthProbe reads an instance's link state from the gateway. It is the
// only input pairing success may be decided from.
type HealthProbe interface {
	CheckHealth(ctx context.Context, instanceID string) (model.HealthReport, error)
}

// ArtifactSource fetches a fresh pairing code for an instance.
type ArtifactSource interface {
	FetchPairingCode(ctx context.Context, instanceID string) (model.PairingArtifact, error)
}

// InstanceRegistry is the gateway's instance CRUD surface.
type InstanceRegistry interface {
	ListInstances(ctx context.Context) ([]model.Instance, error)
	CreateInstance(ctx context.Context, params model.CreateInstanceParams) (*model.Instance, error)
	StartInstance(ctx context.Context, instanceID string) (*model.Instance, error)
	StopInstance(ctx context.Context, instanceID string) (*model.Instance, error)
	RestartInstance(ctx context.Context, instanceID string) (*model.Instance, error)
	DeleteInstance(ctx context.Context, instanceID string) error
}

// PairingSink receives session events. The controller calls it outside its
// own lock; implementations must be safe for concurrent use and quick.
type PairingSink interface {
	PairingPhaseChanged(status model.PairingStatus, detail string)
	PairingArtifactUpdated(status model.PairingStatus)
	PairingSucceeded(status model.PairingStatus)
	RefreshInstances()
}

// PairingTimings is the polling cadence of a session. RefreshInterval must
// stay below the gateway's artifact expiry; config validation enforces it.
type PairingTimings struct {
	InitialDelay    time.Duration
	ProbeInterval   time.Duration
	RefreshInterval time.Duration
	SuccessDwell    time.Duration
}

// PairingController owns the console's single pairing session. Opening a
// session cancels the previous one before anything else happens, so at most
// one session is ever live. All session state is mutated under the
// controller mutex, and every callback re-checks that its session is still
// live before touching it; results that arrive after a close are dropped.
type PairingController struct {
	probe   HealthProbe
	source  ArtifactSource
	sink    PairingSink
	timings PairingTimings

	mu      sync.Mutex
	current *pairingSession

	now func() time.Time
}

type pairingSession struct {
	id         string
	instanceID string
	openedAt   time.Time

	phase     model.PairingPhase
	artifact  *model.PairingArtifact
	issuedAt  *time.Time
	cancelled bool

	done       chan struct{}
	dwellTimer *time.Timer
}

// finished reports whether the session may no longer be mutated.
func (s *pairingSession) finished() bool {
	return s.cancelled || s.phase == model.PhaseClosed
}

func NewPairingController(probe HealthProbe, source ArtifactSource, sink PairingSink, timings PairingTimings) *PairingController {
	return &PairingController{
		probe:   probe,
		source:  source,
		sink:    sink,
		timings: timings,
		now:     time.Now,
	}
}

// Open starts a pairing session for instanceID, cancelling any session that
// is already running. It probes the instance once before fetching a code:
// an instance that is already linked goes straight to success. The only
// error Open returns is validation; gateway failures leave the session in
// place and the polling loop retries them.
func (c *PairingController) Open(ctx context.Context, instanceID string) (*model.PairingStatus, error) {
	if !util.IsValidInstanceID(instanceID) {
		return nil, apperrors.InvalidInstanceID(instanceID)
	}

	c.mu.Lock()
	var supersededSnap *model.PairingStatus
	if prev := c.current; prev != nil && !prev.finished() {
		c.cancelLocked(prev)
		snap := snapshotOf(prev)
		supersededSnap = &snap
	}

	s := &pairingSession{
		id:         uuid.NewString(),
		instanceID: instanceID,
		openedAt:   c.now(),
		phase:      model.PhaseOpening,
		done:       make(chan struct{}),
	}
	c.current = s
	openingSnap := snapshotOf(s)
	c.mu.Unlock()

	if supersededSnap != nil {
		log.Info().
			Str("sessionId", supersededSnap.SessionID).
			Str("instanceId", supersededSnap.InstanceID).
			Msg("pairing session superseded")
		c.sink.PairingPhaseChanged(*supersededSnap, "superseded")
	}

	log.Info().
		Str("sessionId", s.id).
		Str("instanceId", s.instanceID).
		Msg("pairing session opened")
	c.sink.PairingPhaseChanged(openingSnap, "")

	report, err := c.probe.CheckHealth(ctx, instanceID)
	if err == nil && report.Linked() {
		c.complete(s)
		return c.snapshot(s), nil
	}
	if err != nil {
		log.Debug().Err(err).Str("instanceId", instanceID).Msg("pairing health check failed")
	}

	if snap, ok := c.transition(s, model.PhaseAwaitingArtifact); ok {
		c.sink.PairingPhaseChanged(snap, "")
	} else {
		return c.snapshot(s), nil
	}

	artifact, err := c.source.FetchPairingCode(ctx, instanceID)
	if err != nil {
		// Not fatal: the session stays in awaiting_artifact and the
		// refresh tick keeps retrying the fetch.
		log.Warn().Err(err).Str("instanceId", instanceID).Msg("pairing code fetch failed")
	}

	c.mu.Lock()
	if s.finished() {
		snap := snapshotOf(s)
		c.mu.Unlock()
		return &snap, nil
	}
	var scanSnap *model.PairingStatus
	if err == nil {
		c.storeArtifactLocked(s, artifact)
		s.phase = model.PhaseAwaitingScan
		snap := snapshotOf(s)
		scanSnap = &snap
	}
	go c.run(s)
	returnSnap := snapshotOf(s)
	c.mu.Unlock()

	if scanSnap != nil {
		log.Info().
			Str("sessionId", s.id).
			Str("code", util.MaskCode(artifact.Code)).
			Msg("pairing code received")
		c.sink.PairingPhaseChanged(*scanSnap, "")
		c.sink.PairingArtifactUpdated(*scanSnap)
	}

	return &returnSnap, nil
}

// Close cancels the active session. Safe to call at any time, including
// when no session is open or the session already finished.
func (c *PairingController) Close() {
	c.closeMatching(func(s *pairingSession) bool { return true }, "closed by operator")
}

// CloseInstance cancels the active session only if it targets instanceID.
// Deleting an instance must not tear down an unrelated session.
func (c *PairingController) CloseInstance(instanceID string) {
	c.closeMatching(func(s *pairingSession) bool { return s.instanceID == instanceID }, "instance removed")
}

func (c *PairingController) closeMatching(match func(*pairingSession) bool, detail string) {
	c.mu.Lock()
	s := c.current
	if s == nil || s.finished() || !match(s) {
		c.mu.Unlock()
		return
	}
	c.cancelLocked(s)
	snap := snapshotOf(s)
	c.mu.Unlock()

	log.Info().
		Str("sessionId", snap.SessionID).
		Str("instanceId", snap.InstanceID).
		Msg("pairing session closed")
	c.sink.PairingPhaseChanged(snap, detail)
}

// Status returns a snapshot of the current session, or nil when none was
// ever opened or the last one has been replaced by nothing.
func (c *PairingController) Status() *model.PairingStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	snap := snapshotOf(c.current)
	return &snap
}

// cancelLocked tears a session down: no further mutation will be accepted,
// the run loop is told to exit, and the dwell timer is stopped. Callers
// hold the controller mutex and have checked the session is not finished.
func (c *PairingController) cancelLocked(s *pairingSession) {
	s.cancelled = true
	s.phase = model.PhaseClosed
	close(s.done)
	if s.dwellTimer != nil {
		s.dwellTimer.Stop()
	}
}

// run is the session's timer loop. One goroutine per session: auth checks
// and artifact refreshes are serialized, so a refresh can never interleave
// with the auth check that just succeeded.
func (c *PairingController) run(s *pairingSession) {
	initial := time.NewTimer(c.timings.InitialDelay)
	defer initial.Stop()

	probe := time.NewTicker(c.timings.ProbeInterval)
	defer probe.Stop()

	refresh := time.NewTicker(c.timings.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-initial.C:
			if c.authTick(s) {
				return
			}
		case <-probe.C:
			if c.authTick(s) {
				return
			}
		case <-refresh.C:
			if c.refreshTick(s) {
				return
			}
		}
	}
}

// authTick probes the instance once. It returns true when the loop should
// stop: the session reached success, or it was cancelled meanwhile. Probe
// failures are logged and retried on the next tick, never escalated.
func (c *PairingController) authTick(s *pairingSession) bool {
	c.mu.Lock()
	if s.finished() {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	report, err := c.probe.CheckHealth(context.Background(), s.instanceID)
	if err != nil {
		log.Debug().Err(err).Str("instanceId", s.instanceID).Msg("pairing health check failed")
		return false
	}
	if !report.Linked() {
		return false
	}

	return c.complete(s)
}

// refreshTick renews the pairing artifact. The auth check always runs
// first: when it completes the session, the fetched-artifact path is never
// reached and a stale code cannot overwrite a success.
func (c *PairingController) refreshTick(s *pairingSession) bool {
	if c.authTick(s) {
		return true
	}

	artifact, err := c.source.FetchPairingCode(context.Background(), s.instanceID)
	if err != nil {
		log.Warn().Err(err).Str("instanceId", s.instanceID).Msg("pairing code refresh failed")
		return false
	}

	c.mu.Lock()
	if s.finished() || s.phase == model.PhaseSuccess {
		// The session ended while the fetch was in flight; the stale
		// artifact is dropped without touching the session.
		c.mu.Unlock()
		return true
	}
	c.storeArtifactLocked(s, artifact)
	promoted := false
	if s.phase == model.PhaseAwaitingArtifact {
		s.phase = model.PhaseAwaitingScan
		promoted = true
	}
	snap := snapshotOf(s)
	c.mu.Unlock()

	log.Info().
		Str("sessionId", s.id).
		Str("code", util.MaskCode(artifact.Code)).
		Msg("pairing code refreshed")
	if promoted {
		c.sink.PairingPhaseChanged(snap, "")
	}
	c.sink.PairingArtifactUpdated(snap)
	return false
}

// complete moves the session to success exactly once and schedules the
// dwell. After the dwell the session closes itself and asks for one
// registry refresh. Always returns true: the timer loop is done either way.
func (c *PairingController) complete(s *pairingSession) bool {
	c.mu.Lock()
	if s.finished() || s.phase == model.PhaseSuccess {
		c.mu.Unlock()
		return true
	}
	s.phase = model.PhaseSuccess
	s.dwellTimer = time.AfterFunc(c.timings.SuccessDwell, func() { c.settle(s) })
	snap := snapshotOf(s)
	c.mu.Unlock()

	log.Info().
		Str("sessionId", snap.SessionID).
		Str("instanceId", snap.InstanceID).
		Msg("pairing success")
	c.sink.PairingPhaseChanged(snap, "")
	c.sink.PairingSucceeded(snap)
	return true
}

// settle is the dwell callback. A close during the dwell wins: the session
// is already finished and nothing more happens, including the refresh.
func (c *PairingController) settle(s *pairingSession) {
	c.mu.Lock()
	if s.cancelled || s.phase != model.PhaseSuccess {
		c.mu.Unlock()
		return
	}
	s.phase = model.PhaseClosed
	snap := snapshotOf(s)
	c.mu.Unlock()

	log.Info().
		Str("sessionId", snap.SessionID).
		Str("instanceId", snap.InstanceID).
		Msg("pairing session settled")
	c.sink.PairingPhaseChanged(snap, "linked")
	c.sink.RefreshInstances()
}

// transition advances the phase if the session is still live.
func (c *PairingController) transition(s *pairingSession, phase model.PairingPhase) (model.PairingStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.finished() {
		return snapshotOf(s), false
	}
	s.phase = phase
	return snapshotOf(s), true
}

func (c *PairingController) storeArtifactLocked(s *pairingSession, artifact model.PairingArtifact) {
	s.artifact = &artifact
	now := c.now()
	s.issuedAt = &now
}

func (c *PairingController) snapshot(s *pairingSession) *model.PairingStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := snapshotOf(s)
	return &snap
}

func snapshotOf(s *pairingSession) model.PairingStatus {
	snap := model.PairingStatus{
		SessionID:  s.id,
		InstanceID: s.instanceID,
		Phase:      s.phase,
		OpenedAt:   s.openedAt,
	}
	if s.artifact != nil {
		a := *s.artifact
		snap.Artifact = &a
	}
	if s.issuedAt != nil {
		t := *s.issuedAt
		snap.IssuedAt = &t
	}
	return snap
}
