package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters. Registered on the default registry and served by the
// /metrics endpoint.
var (
	UplinkCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modem_uplink_count",
		Help: "Number of uplink frames handed to the radio scheduler, per message type.",
	}, []string{"m_type"})

	DownlinkCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modem_downlink_count",
		Help: "Number of accepted downlink frames, per packet classification.",
	}, []string{"packet_type"})

	DownlinkRejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modem_downlink_rejected_count",
		Help: "Number of rejected downlink frames, per reject reason.",
	}, []string{"reason"})

	MACCommandCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modem_mac_command_count",
		Help: "Number of processed downlink MAC commands, per CID.",
	}, []string{"cid"})

	MalformedCommandCycleCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modem_mac_command_malformed_cycle_count",
		Help: "Number of command parse cycles stopped on an unknown or truncated record.",
	})

	SchedulerBusyCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modem_radio_scheduler_busy_count",
		Help: "Number of radio task submissions rejected because the scheduler was busy.",
	})

	JoinAttemptCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modem_join_attempt_count",
		Help: "Number of join requests transmitted.",
	})
)
