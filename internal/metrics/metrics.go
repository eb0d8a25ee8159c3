package metrics

import (
	"errors"

	"securechannel/internal/protocol/errs"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechannel_envelopes_total",
			Help: "Envelopes processed, by direction and result.",
		},
		[]string{"direction", "result"},
	)

	RatchetStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechannel_dh_ratchet_steps_total",
			Help: "DH ratchet steps, by side.",
		},
		[]string{"side"},
	)

	ReplayRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechannel_replay_rejections_total",
			Help: "Envelopes rejected by replay protection, by reason.",
		},
		[]string{"reason"},
	)

	SkippedKeysStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securechannel_skipped_keys_stored_total",
			Help: "Message keys stored for out-of-order delivery.",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "securechannel_sessions_active",
			Help: "Connections currently held by the session manager.",
		},
	)

	RelayFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechannel_relay_frames_total",
			Help: "Frames handled by the relay, by outcome.",
		},
		[]string{"outcome"},
	)
)

// MustRegister registers every collector with the default registry.
func MustRegister() {
	MustRegisterWith(prometheus.DefaultRegisterer)
}

func MustRegisterWith(r prometheus.Registerer) {
	r.MustRegister(
		EnvelopesTotal,
		RatchetStepsTotal,
		ReplayRejectionsTotal,
		SkippedKeysStoredTotal,
		SessionsActive,
		RelayFramesTotal,
	)
}

// Result maps an error to a low-cardinality label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, errs.ErrReplayDetected):
		return "replay"
	case errors.Is(err, errs.ErrGapTooLarge):
		return "gap_too_large"
	case errors.Is(err, errs.ErrSessionExpired):
		return "expired"
	case errors.Is(err, errs.ErrDisposed):
		return "disposed"
	case errors.Is(err, errs.ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, errs.ErrIndexRegression):
		return "index_regression"
	case errors.Is(err, errs.ErrMalformedEnvelope):
		return "malformed"
	default:
		return "error"
	}
}

// Observer feeds connection events into the collectors.
type Observer struct{}

func (Observer) RatchetStepped(_ string, sender bool) {
	side := "receiving"
	if sender {
		side = "sending"
	}
	RatchetStepsTotal.WithLabelValues(side).Inc()
}

func (Observer) SkippedKeysStored(_ string, n int) {
	SkippedKeysStoredTotal.Add(float64(n))
}

func (Observer) ReplayRejected(_ string, err error) {
	ReplayRejectionsTotal.WithLabelValues(Result(err)).Inc()
}
