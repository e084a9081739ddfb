// Package clock отдает время в миллисекундах от эпохи Unix.
package clock

import (
	gosync "sync"
	"time"
)

// Clock источник времени в миллисекундах
type Clock interface {
	Now() int64
}

// System системные часы
type System struct{}

func (System) Now() int64 {
	return time.Now().UnixMilli()
}

// Monotonic гарантирует строго возрастающие значения поверх базовых часов
type Monotonic struct {
	mu   gosync.Mutex
	base Clock
	last int64
}

// NewMonotonic создает монотонные часы; floor - последнее уже выданное значение
func NewMonotonic(base Clock, floor int64) *Monotonic {
	if base == nil {
		base = System{}
	}
	return &Monotonic{base: base, last: floor}
}

func (m *Monotonic) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.base.Now()
	if t <= m.last {
		t = m.last + 1
	}
	m.last = t
	return t
}

// Observe сдвигает нижнюю границу, если встречено большее значение
func (m *Monotonic) Observe(t int64) {
	m.mu.Lock()
	if t > m.last {
		m.last = t
	}
	m.mu.Unlock()
}

// Manual часы для тестов
type Manual struct {
	mu gosync.Mutex
	t  int64
}

func NewManual(t int64) *Manual {
	return &Manual{t: t}
}

func (m *Manual) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Set устанавливает текущее значение
func (m *Manual) Set(t int64) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}

// Advance сдвигает время вперед на d миллисекунд
func (m *Manual) Advance(d int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t += d
	return m.t
}
