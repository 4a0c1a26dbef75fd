package thread

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
)

type node struct {
	rec      Comment
	children []ID
}

// Store локальный кэш дерева комментариев: плоская карта узлов по ID и
// упорядоченные списки корней для каждого треда.
//
// Store не потокобезопасен: им владеет цикл событий представления треда.
// Каждая публичная операция сначала проверяет все условия и только потом
// меняет состояние, поэтому отказ не оставляет дерево в промежуточном виде.
type Store struct {
	nodes map[ID]*node
	roots map[string][]ID
}

// NewStore создает пустое хранилище
func NewStore() *Store {
	return &Store{
		nodes: make(map[ID]*node),
		roots: make(map[string][]ID),
	}
}

// Subtree отсоединённое поддерево вместе с его исходной позицией
type Subtree struct {
	Root     ID
	ThreadID string
	Parent   ID
	Index    int

	records  []Comment
	children map[ID][]ID
}

// IDs возвращает идентификаторы всех узлов поддерева в прямом порядке обхода
func (st *Subtree) IDs() []ID {
	ids := make([]ID, 0, len(st.records))
	for _, r := range st.records {
		ids = append(ids, r.ID)
	}
	return ids
}

// Contains сообщает, входит ли узел в поддерево
func (st *Subtree) Contains(id ID) bool {
	_, ok := st.children[id]
	return ok
}

func (st *Subtree) rekey(from, to ID) {
	if !st.Contains(from) {
		return
	}
	if st.Root == from {
		st.Root = to
	}
	for i := range st.records {
		if st.records[i].ID == from {
			st.records[i].ID = to
		}
		if st.records[i].ParentID == from {
			st.records[i].ParentID = to
		}
	}
	st.children[to] = st.children[from]
	delete(st.children, from)
	for id, kids := range st.children {
		for i, k := range kids {
			if k == from {
				st.children[id][i] = to
			}
		}
	}
}

func (st *Subtree) get(id ID) (Comment, bool) {
	for _, r := range st.records {
		if r.ID == id {
			return r, true
		}
	}
	return Comment{}, false
}

// drop вырезает из отсоединённого поддерева узел id вместе с потомками.
// Корень поддерева так удалить нельзя.
func (st *Subtree) drop(id ID) []ID {
	if id == st.Root || !st.Contains(id) {
		return nil
	}
	var removed []ID
	var walk func(cur ID)
	walk = func(cur ID) {
		removed = append(removed, cur)
		for _, k := range st.children[cur] {
			walk(k)
		}
		delete(st.children, cur)
	}
	walk(id)
	for pid, kids := range st.children {
		if i := slices.Index(kids, id); i >= 0 {
			st.children[pid] = slices.Delete(kids, i, i+1)
		}
	}
	st.records = slices.DeleteFunc(st.records, func(c Comment) bool {
		return slices.Contains(removed, c.ID)
	})
	return removed
}

func (st *Subtree) update(id ID, fn func(*Comment)) {
	for i := range st.records {
		if st.records[i].ID == id {
			fn(&st.records[i])
			return
		}
	}
}

// Len возвращает число узлов в хранилище
func (s *Store) Len() int {
	return len(s.nodes)
}

// Contains сообщает, присутствует ли узел
func (s *Store) Contains(id ID) bool {
	_, ok := s.nodes[id]
	return ok
}

// peek возвращает данные узла без поддерева
func (s *Store) peek(id ID) (Comment, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return Comment{}, false
	}
	return n.rec, true
}

func (s *Store) childCount(id ID) int {
	if n, ok := s.nodes[id]; ok {
		return len(n.children)
	}
	return 0
}

// Get возвращает снимок узла вместе с поддеревом
func (s *Store) Get(id ID) (Comment, error) {
	n, ok := s.nodes[id]
	if !ok {
		return Comment{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return s.snapshot(n), nil
}

// Upsert обновляет данные существующего узла или вставляет новый: без
// родителя в начало списка корней, с родителем в конец его ответов.
func (s *Store) Upsert(c Comment) error {
	if _, ok := s.nodes[c.ID]; ok {
		return s.Update(c.ID, func(cur *Comment) {
			children := cur.Children
			*cur = c
			cur.Children = children
		})
	}
	if c.ParentID.IsZero() {
		return s.InsertRoot(c, true)
	}
	return s.InsertChild(c)
}

// InsertRoot добавляет новый узел верхнего уровня
func (s *Store) InsertRoot(c Comment, front bool) error {
	if err := s.checkNew(c); err != nil {
		return err
	}
	c.Children = nil
	s.nodes[c.ID] = &node{rec: c}
	if front {
		s.roots[c.ThreadID] = slices.Insert(s.roots[c.ThreadID], 0, c.ID)
	} else {
		s.roots[c.ThreadID] = append(s.roots[c.ThreadID], c.ID)
	}
	return nil
}

// InsertChild добавляет новый узел в конец ответов его родителя
func (s *Store) InsertChild(c Comment) error {
	if err := s.checkNew(c); err != nil {
		return err
	}
	parent, ok := s.nodes[c.ParentID]
	if !ok {
		return fmt.Errorf("insert %s under %s: %w", c.ID, c.ParentID, ErrParentNotFound)
	}
	if parent.rec.ThreadID != c.ThreadID {
		return fmt.Errorf("insert %s: parent belongs to another thread: %w", c.ID, ErrInvalidComment)
	}
	c.Children = nil
	s.nodes[c.ID] = &node{rec: c}
	parent.children = append(parent.children, c.ID)
	return nil
}

func (s *Store) checkNew(c Comment) error {
	if c.ID.IsZero() || c.ThreadID == "" {
		return fmt.Errorf("insert %q: %w", c.ID, ErrInvalidComment)
	}
	if _, ok := s.nodes[c.ID]; ok {
		return fmt.Errorf("insert %s: %w", c.ID, ErrDuplicateID)
	}
	return nil
}

// Update меняет данные узла. Идентичность, тред, родитель и список ответов
// изменить через Update нельзя.
func (s *Store) Update(id ID, fn func(*Comment)) error {
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	c := n.rec
	fn(&c)
	c.ID, c.ThreadID, c.ParentID, c.Children = n.rec.ID, n.rec.ThreadID, n.rec.ParentID, nil
	if c.LikeCount < 0 {
		c.LikeCount = 0
	}
	n.rec = c
	return nil
}

// Remove отсоединяет узел вместе с поддеревом и возвращает его для
// последующего Restore
func (s *Store) Remove(id ID) (Subtree, error) {
	n, ok := s.nodes[id]
	if !ok {
		return Subtree{}, fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}

	st := Subtree{
		Root:     id,
		ThreadID: n.rec.ThreadID,
		children: make(map[ID][]ID),
	}
	if n.rec.Dangling || n.rec.ParentID.IsZero() {
		st.Index = slices.Index(s.roots[n.rec.ThreadID], id)
	} else {
		st.Parent = n.rec.ParentID
		st.Index = slices.Index(s.nodes[st.Parent].children, id)
	}

	stack := []ID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cn := s.nodes[cur]
		st.records = append(st.records, cn.rec)
		st.children[cur] = slices.Clone(cn.children)
		for i := len(cn.children) - 1; i >= 0; i-- {
			stack = append(stack, cn.children[i])
		}
	}

	if st.Parent.IsZero() {
		s.roots[st.ThreadID] = slices.Delete(s.roots[st.ThreadID], st.Index, st.Index+1)
	} else {
		p := s.nodes[st.Parent]
		p.children = slices.Delete(p.children, st.Index, st.Index+1)
	}
	for _, r := range st.records {
		delete(s.nodes, r.ID)
	}
	return st, nil
}

// Restore возвращает поддерево на прежнее место
func (s *Store) Restore(st Subtree) error {
	if len(st.records) == 0 {
		return fmt.Errorf("restore: %w", ErrInvalidComment)
	}
	for _, r := range st.records {
		if _, ok := s.nodes[r.ID]; ok {
			return fmt.Errorf("restore %s: %w", r.ID, ErrDuplicateID)
		}
	}
	var siblings []ID
	if st.Parent.IsZero() {
		siblings = s.roots[st.ThreadID]
	} else {
		p, ok := s.nodes[st.Parent]
		if !ok {
			return fmt.Errorf("restore %s under %s: %w", st.Root, st.Parent, ErrParentNotFound)
		}
		siblings = p.children
	}

	idx := min(max(st.Index, 0), len(siblings))
	siblings = slices.Insert(siblings, idx, st.Root)
	if st.Parent.IsZero() {
		s.roots[st.ThreadID] = siblings
	} else {
		s.nodes[st.Parent].children = siblings
	}
	for _, r := range st.records {
		s.nodes[r.ID] = &node{rec: r, children: slices.Clone(st.children[r.ID])}
	}
	return nil
}

// promote переносит поддерево на верхний уровень с признаком Dangling.
// Используется, когда родитель исчез, пока поддерево было отсоединено.
func (st *Subtree) promote() {
	st.Parent = ID{}
	st.Index = 0
	st.update(st.Root, func(c *Comment) { c.Dangling = true })
}

// Rekey заменяет временный идентификатор серверным, сохраняя позицию узла
// и его ответы
func (s *Store) Rekey(from, to ID) error {
	n, ok := s.nodes[from]
	if !ok {
		return fmt.Errorf("rekey %s: %w", from, ErrNotFound)
	}
	if to.IsZero() {
		return fmt.Errorf("rekey %s: %w", from, ErrInvalidComment)
	}
	if _, ok := s.nodes[to]; ok {
		return fmt.Errorf("rekey %s to %s: %w", from, to, ErrDuplicateID)
	}

	var siblings []ID
	if n.rec.Dangling || n.rec.ParentID.IsZero() {
		siblings = s.roots[n.rec.ThreadID]
	} else {
		siblings = s.nodes[n.rec.ParentID].children
	}
	if i := slices.Index(siblings, from); i >= 0 {
		siblings[i] = to
	}
	for _, child := range n.children {
		s.nodes[child].rec.ParentID = to
	}
	n.rec.ID = to
	s.nodes[to] = n
	delete(s.nodes, from)
	return nil
}

// Load заменяет содержимое треда готовым лесом. Корни упорядочиваются от
// новых к старым, ответы сохраняют хронологический порядок.
func (s *Store) Load(threadID string, roots []Comment) error {
	for _, id := range s.ThreadIDs(threadID) {
		delete(s.nodes, id)
	}
	delete(s.roots, threadID)

	ordered := slices.Clone(roots)
	slices.SortStableFunc(ordered, func(a, b Comment) int {
		return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
	})

	var add func(c Comment) error
	add = func(c Comment) error {
		kids := c.Children
		c.ThreadID = threadID
		c.Children = nil
		n := &node{rec: c}
		if _, dup := s.nodes[c.ID]; dup {
			return fmt.Errorf("load %s: %w", c.ID, ErrDuplicateID)
		}
		s.nodes[c.ID] = n
		for _, k := range kids {
			k.ParentID = c.ID
			n.children = append(n.children, k.ID)
			if err := add(k); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range ordered {
		if err := add(r); err != nil {
			return err
		}
		s.roots[threadID] = append(s.roots[threadID], r.ID)
	}
	return nil
}

// RootIDs возвращает копию списка корней треда
func (s *Store) RootIDs(threadID string) []ID {
	return slices.Clone(s.roots[threadID])
}

// ChildIDs возвращает копию списка ответов узла
func (s *Store) ChildIDs(id ID) []ID {
	if n, ok := s.nodes[id]; ok {
		return slices.Clone(n.children)
	}
	return nil
}

// ThreadIDs возвращает все узлы треда в прямом порядке обхода
func (s *Store) ThreadIDs(threadID string) []ID {
	var ids []ID
	var walk func(id ID)
	walk = func(id ID) {
		ids = append(ids, id)
		for _, k := range s.nodes[id].children {
			walk(k)
		}
	}
	for _, r := range s.roots[threadID] {
		walk(r)
	}
	return ids
}

// ForEachInThread лениво перечисляет корни треда. Каждый новый обход видит
// текущее состояние хранилища.
func (s *Store) ForEachInThread(threadID string) iter.Seq[Comment] {
	return func(yield func(Comment) bool) {
		for i := 0; i < len(s.roots[threadID]); i++ {
			n, ok := s.nodes[s.roots[threadID][i]]
			if !ok {
				continue
			}
			if !yield(s.snapshot(n)) {
				return
			}
		}
	}
}

func (s *Store) snapshot(n *node) Comment {
	c := n.rec
	if len(n.children) > 0 {
		c.Children = make([]Comment, 0, len(n.children))
		for _, k := range n.children {
			c.Children = append(c.Children, s.snapshot(s.nodes[k]))
		}
	}
	return c
}
