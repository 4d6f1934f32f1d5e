package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/layer-3/certsettle/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveAttempt(core.MethodRelay, time.Second, errors.New("down"))
	m.ObserveAttempt(core.MethodDirect, time.Second, nil)
	m.ObserveIssue(core.StatusMinted)
	m.ObserveSettlement(3, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MintAttempts.WithLabelValues("relay", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MintAttempts.WithLabelValues("direct", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CredentialsIssued.WithLabelValues("minted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsSettled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementFailed))
}
