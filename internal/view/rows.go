package view

// rowCache holds keyed rows together with the request sequence each row was
// loaded at. A load never replaces a row with data requested earlier than
// what the row already holds. Owner thread only.
type rowCache[T any] struct {
	seq     uint64
	listSeq uint64
	rows    map[string]T
	rowSeq  map[string]uint64
}

func newRowCache[T any]() rowCache[T] {
	return rowCache[T]{
		rows:   make(map[string]T),
		rowSeq: make(map[string]uint64),
	}
}

// next numbers a new load request.
func (c *rowCache[T]) next() uint64 {
	c.seq++
	return c.seq
}

// replace applies a full load requested at seq. Rows missing from list are
// removed unless a newer single-row load holds them. It reports whether the
// load was applied.
func (c *rowCache[T]) replace(seq uint64, list map[string]T) bool {
	if seq < c.listSeq {
		return false
	}
	c.listSeq = seq

	for key, v := range list {
		if c.rowSeq[key] > seq {
			continue
		}
		c.rows[key] = v
		c.rowSeq[key] = seq
	}
	for key := range c.rows {
		if _, ok := list[key]; ok || c.rowSeq[key] > seq {
			continue
		}
		delete(c.rows, key)
		c.rowSeq[key] = seq
	}
	return true
}

// set applies a single-row load requested at seq. keep false removes the
// row; its sequence stays as a tombstone.
func (c *rowCache[T]) set(seq uint64, key string, v T, keep bool) bool {
	if c.rowSeq[key] > seq {
		return false
	}
	c.rowSeq[key] = seq
	if keep {
		c.rows[key] = v
	} else {
		delete(c.rows, key)
	}
	return true
}
