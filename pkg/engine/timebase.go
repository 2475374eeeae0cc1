package engine

import (
	"fmt"
	"math"
	"math/big"
	"time"
)

// NoPTS отсутствующая временная метка
const NoPTS int64 = math.MinInt64

// Rational единица времени Num/Den секунды
type Rational struct {
	Num int64
	Den int64
}

var (
	// MicrosecondTimeBase единица времени файлового входа
	MicrosecondTimeBase = Rational{Num: 1, Den: 1_000_000}
	// MillisecondTimeBase единица времени файлового выхода
	MillisecondTimeBase = Rational{Num: 1, Den: 1_000}
)

// ClockRate единица времени 1/rate, как у RTP потоков
func ClockRate(rate int) Rational {
	return Rational{Num: 1, Den: int64(rate)}
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Valid проверяет, что единица времени пригодна для пересчета
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Rescale переводит значение из одной единицы времени в другую
// с округлением к ближайшему (половина от нуля). NoPTS сохраняется.
func Rescale(v int64, from, to Rational) int64 {
	if v == NoPTS || from == to || !from.Valid() || !to.Valid() {
		return v
	}

	num := new(big.Int).Mul(big.NewInt(v), big.NewInt(from.Num))
	num.Mul(num, big.NewInt(to.Den))
	den := new(big.Int).Mul(big.NewInt(from.Den), big.NewInt(to.Num))

	// Округление: (|num| + den/2) / den со знаком num
	half := new(big.Int).Quo(den, big.NewInt(2))
	abs := new(big.Int).Abs(num)
	abs.Add(abs, half)
	abs.Quo(abs, den)
	if num.Sign() < 0 {
		abs.Neg(abs)
	}
	return abs.Int64()
}

// RescaleTimestamps пересчитывает PTS, DTS и длительность кадра
func RescaleTimestamps(f *Frame, from, to Rational) {
	f.PTS = Rescale(f.PTS, from, to)
	f.DTS = Rescale(f.DTS, from, to)
	if f.Duration != 0 {
		f.Duration = Rescale(f.Duration, from, to)
	}
}

// toDuration метка в единицах tb как time.Duration
func toDuration(v int64, tb Rational) time.Duration {
	return time.Duration(Rescale(v, tb, Rational{Num: 1, Den: int64(time.Second)}))
}

// fromDuration time.Duration в единицах tb
func fromDuration(d time.Duration, tb Rational) int64 {
	return Rescale(int64(d), Rational{Num: 1, Den: int64(time.Second)}, tb)
}
