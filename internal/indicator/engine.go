package indicator

import (
	"strconv"
	"time"

	"signalwatch/internal/model"
)

// Config specifies which indicators the engine computes and their parameters.
type Config struct {
	MAPeriods  []int
	EMAPeriods []int

	BBPeriod int
	BBStdDev float64

	RSIPeriod int

	MACDFast   int
	MACDSlow   int
	MACDSignal int

	StochK      int
	StochD      int
	StochSmooth int
}

// DefaultConfig returns the standard chart parameter set.
func DefaultConfig() Config {
	return Config{
		MAPeriods:   []int{9, 20, 50, 200},
		EMAPeriods:  []int{9, 20, 50, 200},
		BBPeriod:    20,
		BBStdDev:    2,
		RSIPeriod:   14,
		MACDFast:    12,
		MACDSlow:    26,
		MACDSignal:  9,
		StochK:      14,
		StochD:      3,
		StochSmooth: 3,
	}
}

// Snapshot is every configured indicator series for one candle series.
// All slices are aligned with Times.
type Snapshot struct {
	Times      []int64
	MA         map[int][]float64
	EMA        map[int][]float64
	Bollinger  BollingerSeries
	RSI        []float64
	MACD       MACDSeries
	Stochastic StochasticSeries
	HistStates []HistState
}

// Len returns the number of bars the snapshot covers.
func (s Snapshot) Len() int { return len(s.Times) }

// Latest flattens the last defined value of each series into a name → value
// map (e.g. "ema_20", "rsi_14", "macd"). Undefined values are omitted.
func (s Snapshot) Latest() map[string]float64 {
	out := make(map[string]float64, len(s.MA)+len(s.EMA)+10)
	put := func(name string, series []float64) {
		if v := Last(series); Defined(v) {
			out[name] = v
		}
	}
	for p, series := range s.MA {
		put("ma_"+strconv.Itoa(p), series)
	}
	for p, series := range s.EMA {
		put("ema_"+strconv.Itoa(p), series)
	}
	put("bb_middle", s.Bollinger.Middle)
	put("bb_upper", s.Bollinger.Upper)
	put("bb_lower", s.Bollinger.Lower)
	put("rsi", s.RSI)
	put("macd", s.MACD.MACD)
	put("macd_signal", s.MACD.Signal)
	put("macd_histogram", s.MACD.Histogram)
	put("stoch_k", s.Stochastic.K)
	put("stoch_d", s.Stochastic.D)
	return out
}

// Engine computes indicator snapshots from candle series.
// Stateless between calls; safe for concurrent use.
type Engine struct {
	cfg Config

	// OnCompute is called with the wall time of each Compute, if set.
	OnCompute func(d time.Duration)
}

// NewEngine creates an indicator engine for the given parameters.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine parameters.
func (e *Engine) Config() Config { return e.cfg }

// Compute recomputes every configured indicator over candles.
func (e *Engine) Compute(candles []model.Candle) Snapshot {
	start := time.Now()

	closes := model.Closes(candles)
	times := make([]int64, len(candles))
	for i, c := range candles {
		times[i] = c.OpenTimeMillis
	}

	snap := Snapshot{
		Times: times,
		MA:    make(map[int][]float64, len(e.cfg.MAPeriods)),
		EMA:   make(map[int][]float64, len(e.cfg.EMAPeriods)),
	}
	for _, p := range e.cfg.MAPeriods {
		snap.MA[p] = MASeries(closes, p)
	}
	for _, p := range e.cfg.EMAPeriods {
		snap.EMA[p] = EMASeries(closes, p)
	}
	snap.Bollinger = Bollinger(closes, e.cfg.BBPeriod, e.cfg.BBStdDev)
	snap.RSI = RSISeries(closes, e.cfg.RSIPeriod)
	snap.MACD = MACDOf(closes, e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)
	snap.Stochastic = Stochastic(model.Highs(candles), model.Lows(candles), closes,
		e.cfg.StochK, e.cfg.StochD, e.cfg.StochSmooth)
	snap.HistStates = HistStates(snap.MACD.Histogram)

	if e.OnCompute != nil {
		e.OnCompute(time.Since(start))
	}
	return snap
}
