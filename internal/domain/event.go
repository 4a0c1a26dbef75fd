package domain

// EventOp тип изменения в push-канале
type EventOp string

const (
	EventInsert EventOp = "insert"
	EventUpdate EventOp = "update"
	EventDelete EventOp = "delete"
)

// Event описывает подтверждённое сервером изменение записи треда
type Event struct {
	Op     EventOp `json:"op"`
	Record Comment `json:"record"`
	// IntentKey ключ намерения, вызвавшего изменение: создания для insert,
	// лайка для update счётчика
	IntentKey string `json:"intent_key,omitempty"`
}

// Publisher рассылает события подписчикам треда
type Publisher interface {
	Publish(threadID string, event Event)
}
