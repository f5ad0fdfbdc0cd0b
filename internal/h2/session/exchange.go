package session

import "time"

// PingDone completes one PING round trip: err is nil on acknowledgement,
// ErrSessionClosed if the session went away first. rtt and payload are only
// meaningful when err is nil.
type PingDone func(err error, rtt time.Duration, payload [8]byte)

// SettingsDone completes one SETTINGS round trip.
type SettingsDone func(err error, rtt time.Duration)

// The protocol carries no correlation id in PING or SETTINGS acks, so
// acknowledgements must be matched strictly FIFO against outstanding
// requests. Both queues are bounded; Add fails at capacity and the caller
// treats the request as immediately failed.

type pingRequest struct {
	started time.Time
	done    PingDone
}

type pingQueue struct {
	max  int
	reqs []pingRequest
}

func (q *pingQueue) add(done PingDone) bool {
	if len(q.reqs) >= q.max {
		return false
	}
	q.reqs = append(q.reqs, pingRequest{started: time.Now(), done: done})
	return true
}

func (q *pingQueue) pop() (pingRequest, bool) {
	if len(q.reqs) == 0 {
		return pingRequest{}, false
	}
	req := q.reqs[0]
	q.reqs = q.reqs[1:]
	return req, true
}

func (q *pingQueue) len() int { return len(q.reqs) }

// failAll drains the queue, completing every outstanding request with err.
func (q *pingQueue) failAll(err error) {
	reqs := q.reqs
	q.reqs = nil
	for _, req := range reqs {
		if req.done != nil {
			req.done(err, 0, [8]byte{})
		}
	}
}

type settingsRequest struct {
	started time.Time
	done    SettingsDone
}

type settingsQueue struct {
	max  int
	reqs []settingsRequest
}

func (q *settingsQueue) add(done SettingsDone) bool {
	if len(q.reqs) >= q.max {
		return false
	}
	q.reqs = append(q.reqs, settingsRequest{started: time.Now(), done: done})
	return true
}

func (q *settingsQueue) pop() (settingsRequest, bool) {
	if len(q.reqs) == 0 {
		return settingsRequest{}, false
	}
	req := q.reqs[0]
	q.reqs = q.reqs[1:]
	return req, true
}

func (q *settingsQueue) len() int { return len(q.reqs) }

func (q *settingsQueue) failAll(err error) {
	reqs := q.reqs
	q.reqs = nil
	for _, req := range reqs {
		if req.done != nil {
			req.done(err, 0)
		}
	}
}
