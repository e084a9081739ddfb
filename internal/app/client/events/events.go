// Package events события жизненного цикла синхронизации для хоста.
package events

import (
	"time"

	"sitesync/internal/domain/syncerr"
)

type Type string

const (
	CycleStart     Type = "cycleStart"
	CycleDone      Type = "cycleDone"
	CycleFailed    Type = "cycleFailed"
	RowQuarantined Type = "rowQuarantined"
	AuthExpired    Type = "authExpired"
	Conflict       Type = "conflict"
	// StateChanged переход автомата оркестратора
	StateChanged Type = "stateChanged"
)

// Stats итоги цикла
type Stats struct {
	Pulled      int `json:"pulled"`
	Applied     int `json:"applied"`
	Skipped     int `json:"skipped"`
	Pushed      int `json:"pushed"`
	Accepted    int `json:"accepted"`
	Conflicts   int `json:"conflicts"`
	Rejected    int `json:"rejected"`
	Quarantined int `json:"quarantined"`
}

// Add суммирует итоги
func (s *Stats) Add(o Stats) {
	s.Pulled += o.Pulled
	s.Applied += o.Applied
	s.Skipped += o.Skipped
	s.Pushed += o.Pushed
	s.Accepted += o.Accepted
	s.Conflicts += o.Conflicts
	s.Rejected += o.Rejected
	s.Quarantined += o.Quarantined
}

type Event struct {
	Type    Type         `json:"type"`
	Table   string       `json:"table,omitempty"`
	LocalID string       `json:"localId,omitempty"`
	Code    syncerr.Code `json:"code,omitempty"`
	Err     error        `json:"-"`
	State   string       `json:"state,omitempty"`
	At      time.Time    `json:"at"`
	Stats   *Stats       `json:"stats,omitempty"`
}

// Sink получатель событий; Emit не должен блокировать движок
type Sink interface {
	Emit(e Event)
}

type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) {
	f(e)
}

// Multi рассылает событие нескольким получателям по порядку
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Discard отбрасывает события
var Discard Sink = SinkFunc(func(Event) {})
