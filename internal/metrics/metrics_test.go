package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSourceFetch(t *testing.T) {
	before := testutil.ToFloat64(SourceFetches.WithLabelValues("permits", "ok"))
	RecordSourceFetch("permits", "ok", 120*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(SourceFetches.WithLabelValues("permits", "ok")))
}

func TestRecordCaseCompletion(t *testing.T) {
	before := testutil.ToFloat64(CasesCompleted.WithLabelValues("COMPLETE"))
	RecordCaseCompletion("COMPLETE", time.Now().Add(-time.Second))
	assert.Equal(t, before+1, testutil.ToFloat64(CasesCompleted.WithLabelValues("COMPLETE")))
}
