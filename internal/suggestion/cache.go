package suggestion

// Cache is the per-path suggestion index of one manager. It is not safe for
// concurrent use; the owning manager guards it with its own lock so that a
// cache update and the event it produces happen together.
type Cache struct {
	paths  map[string]NotebookSuggestions
	loaded map[string]bool
}

func NewCache() *Cache {
	return &Cache{paths: map[string]NotebookSuggestions{}, loaded: map[string]bool{}}
}

func (c *Cache) Loaded(path string) bool { return c.loaded[path] }

func (c *Cache) MarkLoaded(path string) {
	if c.paths[path] == nil {
		c.paths[path] = NotebookSuggestions{}
	}
	c.loaded[path] = true
}

func (c *Cache) Get(path, cellID, suggestionID string) (*Suggestion, bool) {
	s, ok := c.paths[path][cellID][suggestionID]
	return s, ok
}

// Put inserts s, creating the path and cell sets on demand. It reports false
// when an entry with the same id already exists.
func (c *Cache) Put(path string, s *Suggestion) bool {
	index := c.paths[path]
	if index == nil {
		index = NotebookSuggestions{}
		c.paths[path] = index
	}
	set := index[s.OriginalCellID]
	if set == nil {
		set = CellSuggestions{}
		index[s.OriginalCellID] = set
	}
	if _, exists := set[s.ID]; exists {
		return false
	}
	set[s.ID] = s
	return true
}

// Remove deletes one entry and prunes an emptied cell set.
func (c *Cache) Remove(path, cellID, suggestionID string) bool {
	set := c.paths[path][cellID]
	if _, ok := set[suggestionID]; !ok {
		return false
	}
	delete(set, suggestionID)
	if len(set) == 0 {
		delete(c.paths[path], cellID)
	}
	return true
}

func (c *Cache) Snapshot(path string) NotebookSuggestions {
	return c.paths[path].Clone()
}

func (c *Cache) Drop(path string) {
	delete(c.paths, path)
	delete(c.loaded, path)
}

func (c *Cache) Paths() []string {
	out := make([]string, 0, len(c.paths))
	for path := range c.paths {
		out = append(out, path)
	}
	return out
}

func (c *Cache) Clear() {
	clear(c.paths)
	clear(c.loaded)
}
