package buffer

import (
	"math"
	"sync"
)

// raw ADC counts, averaged over a sensor read

type Average float64
type Minimum int32
type Maximum int32
type Sum int64

type SampleBuffer struct {
	position int
	size     int
	count    int // number of valid items, at most size
	data     []int32
	lock     sync.Mutex
}

func NewBuffer(size int) *SampleBuffer {
	if size < 1 {
		size = 1
	}
	return &SampleBuffer{
		size: size,
		data: make([]int32, size),
	}
}

func (b *SampleBuffer) AddItem(val int32) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.data[b.position] = val
	b.position += 1
	if b.position == b.size {
		b.position = 0
	}
	if b.count < b.size {
		b.count += 1
	}
}

// GetAverageMinMaxSum covers only the items added so far, so a partly filled
// buffer is not dragged towards zero.
func (b *SampleBuffer) GetAverageMinMaxSum() (Average, Minimum, Maximum, Sum) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.count == 0 {
		return 0, 0, 0, 0
	}
	min := int32(math.MaxInt32)
	max := int32(math.MinInt32)
	var sum int64

	for _, x := range b.valid() {
		if x > max {
			max = x
		}
		if x < min {
			min = x
		}
		sum += int64(x)
	}

	return Average(float64(sum) / float64(b.count)), Minimum(min), Maximum(max), Sum(sum)
}

func (b *SampleBuffer) valid() []int32 {
	if b.count < b.size {
		return b.data[:b.count]
	}
	return b.data
}

func (b *SampleBuffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.count
}
