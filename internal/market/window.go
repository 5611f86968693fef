package market

// Window 是按时间顺序保存最近 N 个样本的环形缓冲区，满后淘汰最旧样本。
// 非并发安全，由持有它的数据流串行访问。
type Window struct {
	buf   []Sample
	head  int // 最旧样本位置
	count int
}

// NewWindow 创建容量为 capacity 的窗口（最小为 1）。
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]Sample, capacity)}
}

// Push 追加样本，窗口已满时返回被淘汰的样本。
func (w *Window) Push(s Sample) (evicted Sample, ok bool) {
	capacity := len(w.buf)
	if w.count < capacity {
		w.buf[(w.head+w.count)%capacity] = s
		w.count++
		return Sample{}, false
	}
	evicted = w.buf[w.head]
	w.buf[w.head] = s
	w.head = (w.head + 1) % capacity
	return evicted, true
}

func (w *Window) Len() int { return w.count }

func (w *Window) Cap() int { return len(w.buf) }

// Last 返回最新样本。
func (w *Window) Last() (Sample, bool) {
	if w.count == 0 {
		return Sample{}, false
	}
	return w.buf[(w.head+w.count-1)%len(w.buf)], true
}

// Samples 返回按时间升序排列的副本。
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Snapshot 是窗口的只读拷贝，供计算阶段使用。
type Snapshot struct {
	Key     StreamKey
	Samples []Sample
}

// Snapshot 拷贝当前内容。
func (w *Window) Snapshot(key StreamKey) Snapshot {
	return Snapshot{Key: key, Samples: w.Samples()}
}

func (s Snapshot) Len() int { return len(s.Samples) }

// Last 返回快照中最新的样本。
func (s Snapshot) Last() Sample {
	if len(s.Samples) == 0 {
		return Sample{}
	}
	return s.Samples[len(s.Samples)-1]
}

// Series 提取 OHLCV 序列。
func (s Snapshot) Series() (opens, highs, lows, closes, volumes []float64) {
	n := len(s.Samples)
	opens = make([]float64, n)
	highs = make([]float64, n)
	lows = make([]float64, n)
	closes = make([]float64, n)
	volumes = make([]float64, n)
	for i, c := range s.Samples {
		opens[i] = c.Open
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
		volumes[i] = c.Volume
	}
	return
}

// Closes 仅提取收盘价。
func (s Snapshot) Closes() []float64 {
	out := make([]float64, len(s.Samples))
	for i, c := range s.Samples {
		out[i] = c.Close
	}
	return out
}

// OptionsSamples 返回携带期权数据的样本（按时间升序）。
func (s Snapshot) OptionsSamples() []Sample {
	var out []Sample
	for _, c := range s.Samples {
		if c.HasOptions() {
			out = append(out, c)
		}
	}
	return out
}

// LatestOptions 返回最近的期权链。
func (s Snapshot) LatestOptions() (*OptionsChain, Sample, bool) {
	for i := len(s.Samples) - 1; i >= 0; i-- {
		if s.Samples[i].HasOptions() {
			return s.Samples[i].Options, s.Samples[i], true
		}
	}
	return nil, Sample{}, false
}
