// Package conflict решает, чья версия строки побеждает при параллельных изменениях
// на устройстве и на сервере.
package conflict

import (
	"errors"
	"fmt"
)

type Policy string

const (
	ServerWins Policy = "server-wins"
	ClientWins Policy = "client-wins"
)

var ErrUnknownPolicy = errors.New("unknown conflict policy")

// ParsePolicy разбирает значение из конфигурации; пустая строка - политика по умолчанию
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return ServerWins, nil
	case ServerWins, ClientWins:
		return Policy(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Local ожидающее изменение на устройстве
type Local struct {
	PendingOp          Op
	UpdatedAt          int64
	ServerLastModified int64
}

// Remote текущая серверная версия строки
type Remote struct {
	ServerID  string
	UpdatedAt int64
	Deleted   bool
}

type Action int

const (
	// ApplyServer серверная версия записывается локально как CLEAN
	ApplyServer Action = iota
	// RemoveLocal локальная строка физически удаляется
	RemoveLocal
	// KeepLocal локальное изменение остается в очереди, базой становится серверная версия
	KeepLocal
)

func (a Action) String() string {
	switch a {
	case ApplyServer:
		return "apply-server"
	case RemoveLocal:
		return "remove-local"
	case KeepLocal:
		return "keep-local"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

type Resolution struct {
	Action Action
	// Rebase новое значение serverLastModified для KeepLocal
	Rebase int64
}

// Resolve не имеет побочных эффектов: решение применяет вызывающая сторона
func Resolve(policy Policy, local Local, remote Remote) Resolution {
	if remote.Deleted {
		return Resolution{Action: RemoveLocal}
	}

	switch policy {
	case ClientWins:
		return Resolution{Action: KeepLocal, Rebase: remote.UpdatedAt}
	default:
		return Resolution{Action: ApplyServer}
	}
}
