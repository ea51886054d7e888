package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder writes pool and payout measurements to InfluxDB. A nil
// *Recorder is a no-op, so metrics can be disabled by config.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// NewRecorder connects a non-blocking Influx write API.
func NewRecorder(url, token, org, bucket string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client: client,
		write:  client.WriteAPI(org, bucket),
	}
}

// RecordPool writes the pool aggregates after an open or close.
func (r *Recorder) RecordPool(activeSessions int, activeStake, requiredReserve string) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("pool",
		nil,
		map[string]interface{}{
			"active_sessions":  activeSessions,
			"active_stake":     activeStake,
			"required_reserve": requiredReserve,
		},
		time.Now(),
	)
	r.write.WritePoint(p)
}

// RecordPayout writes one point per closed session.
func (r *Recorder) RecordPayout(caller string, level int, total, payout, referralBonus, streakBonus string) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("payout",
		map[string]string{"caller": caller},
		map[string]interface{}{
			"reward_level":   level,
			"total":          total,
			"payout":         payout,
			"referral_bonus": referralBonus,
			"streak_bonus":   streakBonus,
		},
		time.Now(),
	)
	r.write.WritePoint(p)
}

// Close flushes pending points and shuts the client down.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.write.Flush()
	r.client.Close()
}
