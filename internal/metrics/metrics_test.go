package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

func TestCollector_Actions(t *testing.T) {
	c := NewCollector()
	c.ActionApplied(domain.ActionAccept, nil)
	c.ActionApplied(domain.ActionAccept, nil)
	c.ActionApplied(domain.ActionAccept, domain.Errorf(domain.ErrInvalidTransition, "not awaiting"))
	c.ActionApplied(domain.ActionStart, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.actions.WithLabelValues("accept", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actions.WithLabelValues("accept", "-32020")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actions.WithLabelValues("start", "unknown")))
}

func TestCollector_GenerationsAndGauges(t *testing.T) {
	c := NewCollector()
	c.GenerationFinished(domain.StageScenario, 2*time.Second, nil)
	c.GenerationFinished(domain.StageScenario, time.Minute, domain.ErrGenerationTimeout)
	c.StagesInvalidated(3)
	c.SetActiveTasks(4)
	c.DeltaPublished()

	assert.Equal(t, 2, testutil.CollectAndCount(c.generations))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.invalidated))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.activeTasks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deltasPushed))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.ActionApplied(domain.ActionReset, nil)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `pblai_actions_total{action="reset",code="0"} 1`), body)
}
