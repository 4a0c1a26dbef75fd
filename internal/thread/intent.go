package thread

// Op вид пользовательского намерения
type Op string

const (
	OpAdd    Op = "add"
	OpReply  Op = "reply"
	OpEdit   Op = "edit"
	OpDelete Op = "delete"
	OpLike   Op = "like"
)

// Intent пользовательское намерение, передаваемое в View.Dispatch
type Intent interface {
	Op() Op
}

// AddComment новый комментарий верхнего уровня
type AddComment struct {
	Content string
}

// AddReply ответ на существующий комментарий
type AddReply struct {
	ParentID ID
	Content  string
}

// EditComment замена текста комментария
type EditComment struct {
	ID      ID
	Content string
}

// DeleteComment удаление комментария вместе с ответами
type DeleteComment struct {
	ID ID
}

// ToggleLike переключение лайка текущего пользователя
type ToggleLike struct {
	ID ID
}

func (AddComment) Op() Op    { return OpAdd }
func (AddReply) Op() Op      { return OpReply }
func (EditComment) Op() Op   { return OpEdit }
func (DeleteComment) Op() Op { return OpDelete }
func (ToggleLike) Op() Op    { return OpLike }
