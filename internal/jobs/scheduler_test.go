package jobs

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
)

type staticHosts []model.Host

func (s staticHosts) ListHosts(_ context.Context, activeOnly bool) ([]model.Host, error) {
	var out []model.Host
	for _, h := range s {
		if !activeOnly || h.Active {
			out = append(out, h)
		}
	}
	return out, nil
}

func TestScheduler_TickQueuesEveryJobPerHost(t *testing.T) {
	hosts := staticHosts{
		{ID: 1, Name: "web-1", Active: true, Connection: &model.AgentConnection{}},
		{ID: 2, Name: "web-2", Active: true, Connection: &model.AgentConnection{}},
		{ID: 3, Name: "old", Active: false, Connection: &model.AgentConnection{}},
		{ID: 4, Name: "new", Active: true},
	}

	var mu sync.Mutex
	var ran []string
	record := func(name string) func(context.Context, uint) error {
		return func(_ context.Context, hostID uint) error {
			mu.Lock()
			defer mu.Unlock()
			ran = append(ran, name+"@"+hosts[hostID-1].Name)
			return nil
		}
	}

	c := &collector{}
	runner := newTestRunner(c, Options{Workers: 2})
	s := NewScheduler("@every 5m", hosts, runner, logger.Noop(),
		HostJob{Name: "metrics", Run: record("metrics")},
		HostJob{Name: "services", Run: record("services")},
	)

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	runner.Stop(false)
	sort.Strings(ran)
	assert.Equal(t, []string{"metrics@web-1", "metrics@web-2", "services@web-1", "services@web-2"}, ran)
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := NewScheduler("every so often", staticHosts{}, NewRunner(Options{}), nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestScheduler_StartStop(t *testing.T) {
	runner := NewRunner(Options{})
	runner.Start(context.Background())
	defer runner.Stop(false)

	s := NewScheduler("@every 1h", staticHosts{}, runner, nil)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
