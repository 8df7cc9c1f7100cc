package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videoroom_active_rooms",
		Help: "Number of rooms currently alive",
	})

	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoroom_rooms_created_total",
		Help: "Total number of rooms created",
	})

	ActiveParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videoroom_active_participants",
		Help: "Number of connected participants",
	})

	ActiveProducers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "videoroom_active_producers",
		Help: "Number of live producers",
	}, []string{"kind"}) // "audio" | "video"

	ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videoroom_active_recordings",
		Help: "Number of recordings in progress",
	})

	RecordingsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoroom_recordings_started_total",
		Help: "Total number of recordings started",
	})

	SignalMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoroom_signal_messages_total",
		Help: "Total signaling messages",
	}, []string{"action", "direction"}) // direction: "in" | "out"
)
