package engine

import "errors"

var (
	ErrRetriesExhausted = errors.New("исчерпан лимит повторов в цикле")
	ErrNoTables         = errors.New("не заданы таблицы синхронизации")
)
