package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbb100/kairos/internal/domain"
)

type recordingEngine struct {
	ticks  int
	forced int
	err    error
}

func (r *recordingEngine) Tick(now time.Time) (domain.TickReport, error) {
	r.ticks++
	return domain.TickReport{Action: domain.TickNoop}, r.err
}

func (r *recordingEngine) ForceRebalance(now time.Time) (domain.TickReport, error) {
	r.forced++
	return domain.TickReport{Action: domain.TickReplaced}, r.err
}

func TestJobsStartAndStop(t *testing.T) {
	engine := &recordingEngine{}
	jobs := New(engine, nil, DefaultConfig(15*time.Minute), zerolog.Nop())

	require.NoError(t, jobs.Start())
	jobs.Stop()
}

func TestRunTickInvokesEngine(t *testing.T) {
	engine := &recordingEngine{}
	jobs := New(engine, nil, DefaultConfig(15*time.Minute), zerolog.Nop())

	jobs.runTick()
	jobs.runQuarterly()

	assert.Equal(t, 1, engine.ticks)
	assert.Equal(t, 1, engine.forced)
}

func TestFatalErrorHaltsJobs(t *testing.T) {
	engine := &recordingEngine{
		err: domain.NewSchedulerFatal("store", assert.AnError),
	}
	jobs := New(engine, nil, DefaultConfig(15*time.Minute), zerolog.Nop())

	jobs.runTick()
	assert.True(t, jobs.halted)

	// Halted jobs never call the engine again.
	jobs.runTick()
	jobs.runQuarterly()
	assert.Equal(t, 1, engine.ticks)
	assert.Equal(t, 0, engine.forced)
}

func TestNonFatalErrorKeepsRunning(t *testing.T) {
	engine := &recordingEngine{err: domain.ErrPriceUnavailable}
	jobs := New(engine, nil, DefaultConfig(15*time.Minute), zerolog.Nop())

	jobs.runTick()
	jobs.runTick()

	assert.False(t, jobs.halted)
	assert.Equal(t, 2, engine.ticks)
}
