package session

import "time"

// Stats is a point-in-time snapshot of session counters, emitted once
// through Callbacks.OnStats when the session closes and available on demand
// via Session.Stats.
type Stats struct {
	StartTime             time.Time
	FramesReceived        uint64
	FramesSent            uint64
	DataSent              uint64
	DataReceived          uint64
	StreamCount           uint32
	MaxConcurrentStreams  uint32
	PingRTT               time.Duration
	StreamAverageDuration time.Duration
}

type sessionStats struct {
	start          time.Time
	framesReceived uint64
	framesSent     uint64
	dataSent       uint64
	dataReceived   uint64
	streamCount    uint32
	maxConcurrent  uint32
	pingRTT        time.Duration

	closedStreams uint32
	sumStreamLife time.Duration
}

func (st *sessionStats) noteStreamClosed(life time.Duration) {
	st.closedStreams++
	st.sumStreamLife += life
}

func (st *sessionStats) snapshot() Stats {
	out := Stats{
		StartTime:            st.start,
		FramesReceived:       st.framesReceived,
		FramesSent:           st.framesSent,
		DataSent:             st.dataSent,
		DataReceived:         st.dataReceived,
		StreamCount:          st.streamCount,
		MaxConcurrentStreams: st.maxConcurrent,
		PingRTT:              st.pingRTT,
	}
	if st.closedStreams > 0 {
		out.StreamAverageDuration = st.sumStreamLife / time.Duration(st.closedStreams)
	}
	return out
}
