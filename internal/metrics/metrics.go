// Package metrics exposes runtime counters from the subsystem managers
// as a prometheus.Collector. All values are read at scrape time; the
// managers keep their own counters and nothing is double-tracked here.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/voicebridge/internal/aibridge"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/dtmf"
	"github.com/voicebridge/voicebridge/internal/ivr"
	"github.com/voicebridge/voicebridge/internal/moh"
	"github.com/voicebridge/voicebridge/internal/rtp"
	"github.com/voicebridge/voicebridge/internal/sms"
)

// CallStatsProvider exposes call plane counters.
type CallStatsProvider interface {
	Stats() call.Stats
	QueueLen() int
}

// MediaStatsProvider exposes RTP session counts and aggregate packet
// counters.
type MediaStatsProvider interface {
	Count() int
	PortsInUse() int
	PortCapacity() int
	AggregateStats() rtp.Statistics
}

// BridgeStatsProvider exposes AI platform connection counters.
type BridgeStatsProvider interface {
	Stats() aibridge.Stats
}

// DTMFStatsProvider exposes digit detection and pattern counters. The
// call manager satisfies it through its subsystem accessors.
type DTMFStatsProvider interface {
	Detector() *dtmf.Detector
	DTMF() *dtmf.Processor
}

// SMSStatsProvider exposes messaging plane counters.
type SMSStatsProvider interface {
	Stats() sms.Stats
}

// MohStatsProvider exposes hold music playback counters.
type MohStatsProvider interface {
	Stats() moh.Stats
}

// IVRStatsProvider exposes menu session counters.
type IVRStatsProvider interface {
	Stats() ivr.Stats
}

// SignalingStatusProvider reports signaling plane reachability.
type SignalingStatusProvider interface {
	Healthy() bool
	Configured() bool
}

// Collector gathers voicebridge metrics at scrape time. Any provider
// may be nil if the subsystem is not running.
type Collector struct {
	calls     CallStatsProvider
	media     MediaStatsProvider
	bridge    BridgeStatsProvider
	dtmf      DTMFStatsProvider
	messages  SMSStatsProvider
	music     MohStatsProvider
	menus     IVRStatsProvider
	signaling SignalingStatusProvider
	startTime time.Time

	activeCallsDesc   *prometheus.Desc
	queuedCallsDesc   *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	callsFinishedDesc *prometheus.Desc

	rtpSessionsDesc *prometheus.Desc
	rtpPortsDesc    *prometheus.Desc
	rtpCapacityDesc *prometheus.Desc
	rtpPacketsDesc  *prometheus.Desc
	rtpBytesDesc    *prometheus.Desc
	rtpLostDesc     *prometheus.Desc
	rtpErrorsDesc   *prometheus.Desc

	aiConnectionsDesc *prometheus.Desc
	aiConnectsDesc    *prometheus.Desc
	aiRetriesDesc     *prometheus.Desc
	aiFramesDesc      *prometheus.Desc
	aiAudioBytesDesc  *prometheus.Desc
	aiHeartbeatDesc   *prometheus.Desc

	dtmfDigitsDesc    *prometheus.Desc
	dtmfDroppedDesc   *prometheus.Desc
	dtmfMatchesDesc   *prometheus.Desc
	dtmfForwardedDesc *prometheus.Desc

	smsMessagesDesc *prometheus.Desc
	smsOutcomesDesc *prometheus.Desc
	smsQueuedDesc   *prometheus.Desc
	smsBlockedDesc  *prometheus.Desc

	mohPlayersDesc *prometheus.Desc
	mohChunksDesc  *prometheus.Desc
	mohBytesDesc   *prometheus.Desc

	ivrSessionsDesc *prometheus.Desc
	ivrStartedDesc  *prometheus.Desc
	ivrInvalidDesc  *prometheus.Desc
	ivrTimeoutsDesc *prometheus.Desc

	signalingUpDesc *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates the collector. startTime feeds the uptime gauge.
func NewCollector(startTime time.Time) *Collector {
	return &Collector{
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voicebridge_active_calls",
			"Number of calls currently holding media sessions",
			nil, nil,
		),
		queuedCallsDesc: prometheus.NewDesc(
			"voicebridge_queued_calls",
			"Number of calls waiting in the admission queue",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voicebridge_calls_total",
			"Total calls admitted since start",
			nil, nil,
		),
		callsFinishedDesc: prometheus.NewDesc(
			"voicebridge_calls_finished_total",
			"Calls that reached a terminal state, by outcome",
			[]string{"outcome"}, nil,
		),

		rtpSessionsDesc: prometheus.NewDesc(
			"voicebridge_rtp_sessions_active",
			"Number of active RTP media sessions",
			nil, nil,
		),
		rtpPortsDesc: prometheus.NewDesc(
			"voicebridge_rtp_ports_in_use",
			"RTP ports currently allocated",
			nil, nil,
		),
		rtpCapacityDesc: prometheus.NewDesc(
			"voicebridge_rtp_port_capacity",
			"Total RTP ports in the configured range",
			nil, nil,
		),
		rtpPacketsDesc: prometheus.NewDesc(
			"voicebridge_rtp_packets_total",
			"RTP packets across all sessions, by direction",
			[]string{"direction"}, nil,
		),
		rtpBytesDesc: prometheus.NewDesc(
			"voicebridge_rtp_bytes_total",
			"RTP payload bytes across all sessions, by direction",
			[]string{"direction"}, nil,
		),
		rtpLostDesc: prometheus.NewDesc(
			"voicebridge_rtp_packets_lost_total",
			"Inbound RTP packets lost, from sequence gaps",
			nil, nil,
		),
		rtpErrorsDesc: prometheus.NewDesc(
			"voicebridge_rtp_errors_total",
			"RTP processing errors, by kind",
			[]string{"kind"}, nil,
		),

		aiConnectionsDesc: prometheus.NewDesc(
			"voicebridge_ai_connections_active",
			"Open WebSocket sessions to the AI platform",
			nil, nil,
		),
		aiConnectsDesc: prometheus.NewDesc(
			"voicebridge_ai_connects_total",
			"Successful AI platform connections since start",
			nil, nil,
		),
		aiRetriesDesc: prometheus.NewDesc(
			"voicebridge_ai_connect_retries_total",
			"AI platform connection attempts that had to be retried",
			nil, nil,
		),
		aiFramesDesc: prometheus.NewDesc(
			"voicebridge_ai_frames_total",
			"WebSocket frames exchanged with the AI platform, by direction",
			[]string{"direction"}, nil,
		),
		aiAudioBytesDesc: prometheus.NewDesc(
			"voicebridge_ai_audio_bytes_total",
			"PCM audio bytes exchanged with the AI platform, by direction",
			[]string{"direction"}, nil,
		),
		aiHeartbeatDesc: prometheus.NewDesc(
			"voicebridge_ai_heartbeat_failures_total",
			"Missed AI platform heartbeats that closed a session",
			nil, nil,
		),

		dtmfDigitsDesc: prometheus.NewDesc(
			"voicebridge_dtmf_digits_total",
			"DTMF digits detected, by source",
			[]string{"source"}, nil,
		),
		dtmfDroppedDesc: prometheus.NewDesc(
			"voicebridge_dtmf_dropped_total",
			"DTMF events discarded, by reason",
			[]string{"reason"}, nil,
		),
		dtmfMatchesDesc: prometheus.NewDesc(
			"voicebridge_dtmf_pattern_matches_total",
			"Digit sequences that matched a configured pattern",
			nil, nil,
		),
		dtmfForwardedDesc: prometheus.NewDesc(
			"voicebridge_dtmf_forwarded_total",
			"Digits forwarded to the AI platform",
			nil, nil,
		),

		smsMessagesDesc: prometheus.NewDesc(
			"voicebridge_sms_messages_total",
			"Messages handled, by direction",
			[]string{"direction"}, nil,
		),
		smsOutcomesDesc: prometheus.NewDesc(
			"voicebridge_sms_outcomes_total",
			"Outbound message outcomes, by result",
			[]string{"result"}, nil,
		),
		smsQueuedDesc: prometheus.NewDesc(
			"voicebridge_sms_queue_depth",
			"Messages waiting for delivery",
			nil, nil,
		),
		smsBlockedDesc: prometheus.NewDesc(
			"voicebridge_sms_spam_blocked_total",
			"Inbound messages dropped by spam scoring or blocklist",
			nil, nil,
		),

		mohPlayersDesc: prometheus.NewDesc(
			"voicebridge_moh_players_active",
			"Calls currently receiving hold music",
			nil, nil,
		),
		mohChunksDesc: prometheus.NewDesc(
			"voicebridge_moh_chunks_total",
			"Hold music audio chunks delivered",
			nil, nil,
		),
		mohBytesDesc: prometheus.NewDesc(
			"voicebridge_moh_bytes_total",
			"Hold music bytes delivered",
			nil, nil,
		),

		ivrSessionsDesc: prometheus.NewDesc(
			"voicebridge_ivr_sessions_active",
			"IVR sessions currently collecting input",
			nil, nil,
		),
		ivrStartedDesc: prometheus.NewDesc(
			"voicebridge_ivr_sessions_total",
			"IVR sessions started since start",
			nil, nil,
		),
		ivrInvalidDesc: prometheus.NewDesc(
			"voicebridge_ivr_invalid_inputs_total",
			"IVR inputs that matched no menu item",
			nil, nil,
		),
		ivrTimeoutsDesc: prometheus.NewDesc(
			"voicebridge_ivr_timeouts_total",
			"IVR input collection timeouts",
			nil, nil,
		),

		signalingUpDesc: prometheus.NewDesc(
			"voicebridge_signaling_healthy",
			"Whether the signaling proxy is reachable (1) or not (0)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// WithCalls attaches the call plane provider.
func (c *Collector) WithCalls(p CallStatsProvider) *Collector { c.calls = p; return c }

// WithMedia attaches the RTP provider.
func (c *Collector) WithMedia(p MediaStatsProvider) *Collector { c.media = p; return c }

// WithBridge attaches the AI bridge provider.
func (c *Collector) WithBridge(p BridgeStatsProvider) *Collector { c.bridge = p; return c }

// WithDTMF attaches the DTMF provider.
func (c *Collector) WithDTMF(p DTMFStatsProvider) *Collector { c.dtmf = p; return c }

// WithSMS attaches the messaging provider.
func (c *Collector) WithSMS(p SMSStatsProvider) *Collector { c.messages = p; return c }

// WithMoh attaches the hold music provider.
func (c *Collector) WithMoh(p MohStatsProvider) *Collector { c.music = p; return c }

// WithIVR attaches the IVR provider.
func (c *Collector) WithIVR(p IVRStatsProvider) *Collector { c.menus = p; return c }

// WithSignaling attaches the signaling status provider.
func (c *Collector) WithSignaling(p SignalingStatusProvider) *Collector { c.signaling = p; return c }

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.queuedCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.callsFinishedDesc
	ch <- c.rtpSessionsDesc
	ch <- c.rtpPortsDesc
	ch <- c.rtpCapacityDesc
	ch <- c.rtpPacketsDesc
	ch <- c.rtpBytesDesc
	ch <- c.rtpLostDesc
	ch <- c.rtpErrorsDesc
	ch <- c.aiConnectionsDesc
	ch <- c.aiConnectsDesc
	ch <- c.aiRetriesDesc
	ch <- c.aiFramesDesc
	ch <- c.aiAudioBytesDesc
	ch <- c.aiHeartbeatDesc
	ch <- c.dtmfDigitsDesc
	ch <- c.dtmfDroppedDesc
	ch <- c.dtmfMatchesDesc
	ch <- c.dtmfForwardedDesc
	ch <- c.smsMessagesDesc
	ch <- c.smsOutcomesDesc
	ch <- c.smsQueuedDesc
	ch <- c.smsBlockedDesc
	ch <- c.mohPlayersDesc
	ch <- c.mohChunksDesc
	ch <- c.mohBytesDesc
	ch <- c.ivrSessionsDesc
	ch <- c.ivrStartedDesc
	ch <- c.ivrInvalidDesc
	ch <- c.ivrTimeoutsDesc
	ch <- c.signalingUpDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It reads every attached
// provider at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	if c.calls != nil {
		s := c.calls.Stats()
		gauge(c.activeCallsDesc, float64(s.ActiveCalls))
		gauge(c.queuedCallsDesc, float64(c.calls.QueueLen()))
		counter(c.callsTotalDesc, float64(s.TotalCalls))
		counter(c.callsFinishedDesc, float64(s.CompletedCalls), "completed")
		counter(c.callsFinishedDesc, float64(s.FailedCalls), "failed")
		counter(c.callsFinishedDesc, float64(s.CancelledCalls), "cancelled")
		counter(c.callsFinishedDesc, float64(s.RejectedCalls), "rejected")
		counter(c.callsFinishedDesc, float64(s.ForwardedCalls), "forwarded")
	}

	if c.media != nil {
		s := c.media.AggregateStats()
		gauge(c.rtpSessionsDesc, float64(c.media.Count()))
		gauge(c.rtpPortsDesc, float64(c.media.PortsInUse()))
		gauge(c.rtpCapacityDesc, float64(c.media.PortCapacity()))
		counter(c.rtpPacketsDesc, float64(s.PacketsSent), "out")
		counter(c.rtpPacketsDesc, float64(s.PacketsReceived), "in")
		counter(c.rtpBytesDesc, float64(s.BytesSent), "out")
		counter(c.rtpBytesDesc, float64(s.BytesReceived), "in")
		counter(c.rtpLostDesc, float64(s.PacketsLost))
		counter(c.rtpErrorsDesc, float64(s.ParseErrors), "parse")
		counter(c.rtpErrorsDesc, float64(s.SendErrors), "send")
	}

	if c.bridge != nil {
		s := c.bridge.Stats()
		gauge(c.aiConnectionsDesc, float64(s.ActiveConnections))
		counter(c.aiConnectsDesc, float64(s.TotalConnects))
		counter(c.aiRetriesDesc, float64(s.ConnectRetries))
		counter(c.aiFramesDesc, float64(s.FramesSent), "out")
		counter(c.aiFramesDesc, float64(s.FramesReceived), "in")
		counter(c.aiAudioBytesDesc, float64(s.AudioBytesSent), "out")
		counter(c.aiAudioBytesDesc, float64(s.AudioBytesReceived), "in")
		counter(c.aiHeartbeatDesc, float64(s.HeartbeatFailures))
	}

	if c.dtmf != nil {
		d := c.dtmf.Detector().Stats()
		counter(c.dtmfDigitsDesc, float64(d.RFC2833), "rfc2833")
		counter(c.dtmfDigitsDesc, float64(d.Inband), "inband")
		counter(c.dtmfDigitsDesc, float64(d.SIPInfo), "sip_info")
		counter(c.dtmfDroppedDesc, float64(d.Malformed), "malformed")
		counter(c.dtmfDroppedDesc, float64(d.Debounced), "debounced")
		p := c.dtmf.DTMF().Stats()
		counter(c.dtmfMatchesDesc, float64(p.MatchedPatterns))
		counter(c.dtmfForwardedDesc, float64(p.ForwardedToAI))
	}

	if c.messages != nil {
		s := c.messages.Stats()
		counter(c.smsMessagesDesc, float64(s.Inbound), "inbound")
		counter(c.smsMessagesDesc, float64(s.Outbound), "outbound")
		counter(c.smsOutcomesDesc, float64(s.Delivered), "delivered")
		counter(c.smsOutcomesDesc, float64(s.Failed), "failed")
		counter(c.smsOutcomesDesc, float64(s.Expired), "expired")
		gauge(c.smsQueuedDesc, float64(s.Queue.Size))
		counter(c.smsBlockedDesc, float64(s.Processor.SpamBlocked))
	}

	if c.music != nil {
		s := c.music.Stats()
		gauge(c.mohPlayersDesc, float64(s.ActivePlayers))
		counter(c.mohChunksDesc, float64(s.ChunksSent))
		counter(c.mohBytesDesc, float64(s.BytesSent))
	}

	if c.menus != nil {
		s := c.menus.Stats()
		gauge(c.ivrSessionsDesc, float64(s.ActiveSessions))
		counter(c.ivrStartedDesc, float64(s.SessionsStarted))
		counter(c.ivrInvalidDesc, float64(s.InvalidInputs))
		counter(c.ivrTimeoutsDesc, float64(s.Timeouts))
	}

	if c.signaling != nil && c.signaling.Configured() {
		v := 0.0
		if c.signaling.Healthy() {
			v = 1.0
		}
		gauge(c.signalingUpDesc, v)
	}

	gauge(c.uptimeDesc, time.Since(c.startTime).Seconds())
}
