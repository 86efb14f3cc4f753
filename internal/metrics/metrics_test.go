package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestRecordRequest_IncrementsLabeledCounter(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.RecordRequest("BLOCK", 403)
	r.RecordRequest("BLOCK", 403)
	r.RecordRequest("ALLOW", 200)

	c, err := r.RequestsTotal.GetMetricWithLabelValues("BLOCK", "403")
	require.NoError(t, err)
	assert.Equal(t, 2.0, counterValue(t, c))
}

func TestRecordRuleHits_OneIncrementPerRuleID(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.RecordRuleHits([]string{"PT001", "PT001", "SQLI01"})

	c, err := r.RuleHitsTotal.GetMetricWithLabelValues("PT001")
	require.NoError(t, err)
	assert.Equal(t, 2.0, counterValue(t, c))
}

func TestRecordClientAbort_NoRequestsTotalSideEffect(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.RecordClientAbort()
	assert.Equal(t, 1.0, counterValue(t, r.ClientAbortsTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.NotEqual(t, "requests_total", mf.GetName())
	}
}

func TestRecordPenaltyBan(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.RecordPenaltyBan()
	assert.Equal(t, 1.0, counterValue(t, r.PenaltyBansTotal))
}
