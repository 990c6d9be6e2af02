// Package reward реализует взвешенный розыгрыш приза по таблице арендатора.
package reward

import (
	"math/rand/v2"
	"sync"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

// NoPrize возвращается, если таблица призов пуста.
var NoPrize = model.Prize{
	Name:        "Chúc may mắn lần sau",
	Rate:        1,
	Emoji:       "🍀",
	Instruction: "Quay lại lần sau nhé!",
}

// Pick выбирает приз для значения r из [0, 1).
// Сумма ставок не обязана равняться 1: если накопленная сумма не превысила r,
// возвращается последний приз таблицы.
func Pick(prizes []model.Prize, r float64) model.Prize {
	if len(prizes) == 0 {
		return NoPrize
	}

	cumulative := 0.0
	for _, p := range prizes {
		cumulative += p.Rate
		if r < cumulative {
			return p
		}
	}

	return prizes[len(prizes)-1]
}

// Selector выполняет розыгрыш с собственным источником случайности.
type Selector struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSelector создаёт Selector. При src == nil используется глобальный генератор.
func NewSelector(src rand.Source) *Selector {
	s := &Selector{}
	if src != nil {
		s.rnd = rand.New(src)
	}
	return s
}

// Draw разыгрывает приз из таблицы.
func (s *Selector) Draw(prizes []model.Prize) model.Prize {
	return Pick(prizes, s.float())
}

func (s *Selector) float() float64 {
	if s == nil || s.rnd == nil {
		return rand.Float64()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}
