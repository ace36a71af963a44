package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID генерирует идентификатор новой сущности. Тесты могут подменить генератор.
var NewID = uuid.NewString

// Now возвращает текущее время в UTC. Тесты могут подменить часы.
var Now = func() time.Time {
	return time.Now().UTC()
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
