package call

import "github.com/pion/webrtc/v4"

// candidateQueue holds remote ICE candidates that arrived before a remote
// description could take them. When full, the oldest candidate is dropped.
type candidateQueue struct {
	max   int
	items []webrtc.ICECandidateInit
}

func newCandidateQueue(max int) *candidateQueue {
	return &candidateQueue{max: max}
}

// push appends c and reports whether an older candidate had to be dropped.
func (q *candidateQueue) push(c webrtc.ICECandidateInit) bool {
	dropped := false
	if q.max > 0 && len(q.items) >= q.max {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, c)
	return dropped
}

// drain empties the queue and returns its candidates in arrival order.
func (q *candidateQueue) drain() []webrtc.ICECandidateInit {
	items := q.items
	q.items = nil
	return items
}

func (q *candidateQueue) len() int { return len(q.items) }
