package thread

// Forest результат построения дерева из плоского списка записей
type Forest struct {
	Roots []Comment
	// Dangling узлы, чей родитель так и не нашёлся; они подняты на верхний
	// уровень и помечены флагом Dangling
	Dangling []ID
}

type buildNode struct {
	c        Comment
	children []*buildNode
}

// BuildForest строит лес из записей, упорядоченных по CreatedAt. Порядок
// внутри каждой группы соседей совпадает с порядком входа.
func BuildForest(records []Comment) Forest {
	nodes := make(map[ID]*buildNode, len(records))
	order := make([]*buildNode, 0, len(records))
	for _, r := range records {
		if r.ID.IsZero() {
			continue
		}
		if _, dup := nodes[r.ID]; dup {
			continue
		}
		r.Children = nil
		n := &buildNode{c: r}
		nodes[r.ID] = n
		order = append(order, n)
	}

	// true, если узел id встречается среди предков parent
	closesCycle := func(id, parent ID) bool {
		for steps := 0; steps <= len(nodes); steps++ {
			if parent == id {
				return true
			}
			p, ok := nodes[parent]
			if !ok || p.c.ParentID.IsZero() {
				return false
			}
			parent = p.c.ParentID
		}
		// цепочка предков зациклена, но не через id
		return false
	}
	attach := func(n *buildNode) bool {
		p, ok := nodes[n.c.ParentID]
		if !ok || closesCycle(n.c.ID, n.c.ParentID) {
			return false
		}
		p.children = append(p.children, n)
		return true
	}

	var roots, orphans []*buildNode
	for _, n := range order {
		switch {
		case n.c.ParentID.IsZero():
			roots = append(roots, n)
		case !attach(n):
			orphans = append(orphans, n)
		}
	}

	var forest Forest
	for _, n := range orphans {
		if attach(n) {
			continue
		}
		n.c.Dangling = true
		roots = append(roots, n)
		forest.Dangling = append(forest.Dangling, n.c.ID)
	}

	for _, n := range roots {
		if c, keep := materialize(n); keep {
			forest.Roots = append(forest.Roots, c)
		}
	}
	return forest
}

// materialize превращает узел в снимок. Удалённые записи без живых
// потомков отбрасываются.
func materialize(n *buildNode) (Comment, bool) {
	c := n.c
	for _, child := range n.children {
		if cc, keep := materialize(child); keep {
			c.Children = append(c.Children, cc)
		}
	}
	if c.Placeholder && len(c.Children) == 0 {
		return Comment{}, false
	}
	return c, true
}

// AttachOne вставляет одиночную запись, пришедшую вне полной загрузки.
// Возвращает false, если родитель ещё неизвестен и запись нужно держать
// среди сирот.
func AttachOne(s *Store, c Comment) (bool, error) {
	if c.ParentID.IsZero() || c.Dangling {
		return true, s.InsertRoot(c, true)
	}
	if !s.Contains(c.ParentID) {
		return false, nil
	}
	return true, s.InsertChild(c)
}
