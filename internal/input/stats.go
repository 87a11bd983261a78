package input

// StatisticalRing keeps the last N float samples and answers cheap
// aggregate queries. The server controller feeds it inter-input
// arrival times to size the client's frame delay.
type StatisticalRing struct {
	data  []float64
	head  int
	count int
}

func NewStatisticalRing(capacity int) *StatisticalRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &StatisticalRing{data: make([]float64, capacity)}
}

func (s *StatisticalRing) Push(v float64) {
	s.data[(s.head+s.count)%len(s.data)] = v
	if s.count < len(s.data) {
		s.count++
	} else {
		s.head = (s.head + 1) % len(s.data)
	}
}

func (s *StatisticalRing) Len() int { return s.count }

func (s *StatisticalRing) Average() float64 {
	if s.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < s.count; i++ {
		sum += s.data[(s.head+i)%len(s.data)]
	}
	return sum / float64(s.count)
}

func (s *StatisticalRing) Max() float64 {
	if s.count == 0 {
		return 0
	}
	max := s.data[s.head]
	for i := 1; i < s.count; i++ {
		if v := s.data[(s.head+i)%len(s.data)]; v > max {
			max = v
		}
	}
	return max
}

func (s *StatisticalRing) Reset() {
	s.head = 0
	s.count = 0
}
