package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store/memory"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func fixed(s Status) Probe {
	return func(context.Context) ComponentStatus { return ComponentStatus{Status: s} }
}

func TestPropertyOverallIsWorstComponent(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

	properties.Property("overall status is the worst probe result", prop.ForAll(
		func(statuses []string) bool {
			c := NewChecker("test")
			worst := StatusHealthy
			for i, s := range statuses {
				c.Add(string(rune('a'+i)), fixed(Status(s)))
				if rank[Status(s)] > rank[worst] {
					worst = Status(s)
				}
			}
			resp := c.Check(context.Background())
			return resp.Status == worst && len(resp.Components) == len(statuses)
		},
		gen.SliceOfN(5, gen.OneConstOf(string(StatusHealthy), string(StatusDegraded), string(StatusUnhealthy))),
	))

	properties.TestingRun(t)
}

func TestDatabaseProbe(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusHealthy, Database(pinger{})(ctx).Status)
	assert.Equal(t, StatusUnhealthy, Database(pinger{err: errors.New("refused")})(ctx).Status)
	assert.Equal(t, StatusUnhealthy, Database(nil)(ctx).Status)
}

func TestSchedulerProbe(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	probe := Scheduler(s.Servers(), time.Minute)

	assert.Equal(t, StatusDegraded, probe(ctx).Status)

	require.NoError(t, s.Servers().Register(ctx, models.SchedulerID, models.ServerStatusIdle))
	assert.Equal(t, StatusHealthy, probe(ctx).Status)

	require.NoError(t, s.Servers().SetStatus(ctx, models.SchedulerID, models.ServerStatusOffline))
	assert.Equal(t, StatusDegraded, probe(ctx).Status)

	s.SetFailure(errors.New("connection reset"))
	assert.Equal(t, StatusUnhealthy, probe(ctx).Status)
}

func TestHandlerStatusCodes(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{errors.New("down"), http.StatusServiceUnavailable},
	} {
		c := NewChecker("v1.2.3").Add("database", Database(pinger{err: tc.err}))
		rr := httptest.NewRecorder()
		c.Handler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, tc.code, rr.Code)
		var resp Response
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "v1.2.3", resp.Version)
		assert.Contains(t, resp.Components, "database")
	}
}
