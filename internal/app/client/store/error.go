package store

import "errors"

var (
	ErrNotFound      = errors.New("строка не найдена")
	ErrPendingDelete = errors.New("строка ожидает удаления на сервере")
	ErrNoDevice      = errors.New("устройство не инициализировано")
	// ErrWatermarkAhead строка страницы новее newWatermark: применение нарушило бы водяной знак
	ErrWatermarkAhead = errors.New("строка страницы новее водяного знака")
	ErrServerIDTaken  = errors.New("serverId уже принадлежит другой локальной строке")
)
