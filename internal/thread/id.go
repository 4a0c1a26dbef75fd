package thread

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const provisionalPrefix = "tmp:"

// ID идентификатор узла дерева. Серверный идентификатор и временный
// (выданный клиентом до подтверждения) никогда не совпадают.
type ID struct {
	real        int64
	provisional uuid.UUID
}

// RealID создает идентификатор из серверного ID
func RealID(id int64) ID {
	return ID{real: id}
}

// NewProvisionalID создает новый временный идентификатор
func NewProvisionalID() ID {
	return ID{provisional: uuid.New()}
}

// ParseID разбирает строковое представление, полученное из String
func ParseID(s string) (ID, error) {
	if rest, ok := strings.CutPrefix(s, provisionalPrefix); ok {
		u, err := uuid.Parse(rest)
		if err != nil {
			return ID{}, fmt.Errorf("parse provisional id %q: %w", s, err)
		}
		return ID{provisional: u}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return ID{}, fmt.Errorf("parse comment id %q: invalid", s)
	}
	return RealID(n), nil
}

func (id ID) IsProvisional() bool {
	return id.provisional != uuid.Nil
}

func (id ID) IsZero() bool {
	return id.real == 0 && id.provisional == uuid.Nil
}

// Real возвращает серверный ID, если он уже назначен
func (id ID) Real() (int64, bool) {
	if id.IsProvisional() || id.real == 0 {
		return 0, false
	}
	return id.real, true
}

func (id ID) String() string {
	switch {
	case id.IsProvisional():
		return provisionalPrefix + id.provisional.String()
	case id.real == 0:
		return ""
	default:
		return strconv.FormatInt(id.real, 10)
	}
}

// newIntentKey возвращает монотонно возрастающий ключ намерения. Сервер
// дедуплицирует по нему повторы и отбрасывает устаревшие лайки.
func newIntentKey() string {
	return ulid.Make().String()
}
