package state

// Transition is one entry of the state history.
type Transition struct {
	From         string         `json:"from"`
	To           string         `json:"to"`
	Data         map[string]any `json:"data"`
	PreviousData map[string]any `json:"previousData"`
	Timestamp    int64          `json:"timestamp"`
}

// history is a fixed-capacity ring of transitions; the oldest entry is
// evicted when full.
type history struct {
	buf   []Transition
	start int
	size  int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]Transition, capacity)}
}

func (h *history) push(t Transition) {
	if len(h.buf) == 0 {
		return
	}
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = t
		h.size++
		return
	}
	h.buf[h.start] = t
	h.start = (h.start + 1) % len(h.buf)
}

// last returns up to n of the most recent entries, oldest first.
// n <= 0 returns every entry.
func (h *history) last(n int) []Transition {
	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]Transition, 0, n)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

func (h *history) len() int {
	return h.size
}

func (h *history) clear() {
	clear(h.buf)
	h.start = 0
	h.size = 0
}
