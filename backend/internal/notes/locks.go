package notes

// LockStatus is the single predicate set the editing surface consults.
type LockStatus struct {
	IsLocked     bool
	Holder       string
	IsHeldBySelf bool
	CanEdit      bool
}

// LockCoordinator mirrors server-granted soft locks for one note.
// It never decides a winner itself; entries change only on acks and broadcasts.
type LockCoordinator struct {
	self    string
	holders map[int]string
}

func NewLockCoordinator(self string) *LockCoordinator {
	return &LockCoordinator{self: self, holders: make(map[int]string)}
}

func (c *LockCoordinator) Self() string { return c.self }

func (c *LockCoordinator) SetSelf(identity string) { c.self = identity }

func (c *LockCoordinator) Status(line int) LockStatus {
	holder, ok := c.holders[line]
	st := LockStatus{IsLocked: ok, Holder: holder}
	st.IsHeldBySelf = ok && holder == c.self
	st.CanEdit = !ok || st.IsHeldBySelf
	return st
}

func (c *LockCoordinator) HeldBySelf(line int) bool {
	return c.Status(line).IsHeldBySelf
}

// Grant records the holder returned by the server for our own request.
func (c *LockCoordinator) Grant(line int, holder string) {
	if holder == "" {
		return
	}
	c.holders[line] = holder
}

// HandleRemoteLock ignores our own echoes.
func (c *LockCoordinator) HandleRemoteLock(line int, holder string) bool {
	if holder == "" || holder == c.self {
		return false
	}
	if c.holders[line] == holder {
		return false
	}
	c.holders[line] = holder
	return true
}

// HandleRemoteUnlock clears line unless the release names a holder other than
// the one we know about (a stale release that raced a newer grant).
func (c *LockCoordinator) HandleRemoteUnlock(line int, releasedBy string) bool {
	cur, ok := c.holders[line]
	if !ok {
		return false
	}
	if releasedBy != "" && releasedBy != cur {
		return false
	}
	delete(c.holders, line)
	return true
}

// ReleaseSelf drops our own hold; holds by others are left alone.
func (c *LockCoordinator) ReleaseSelf(line int) bool {
	if !c.HeldBySelf(line) {
		return false
	}
	delete(c.holders, line)
	return true
}

func (c *LockCoordinator) HeldLines() []int {
	var out []int
	for line, holder := range c.holders {
		if holder == c.self {
			out = append(out, line)
		}
	}
	return out
}

func (c *LockCoordinator) Reset() {
	clear(c.holders)
}

func (c *LockCoordinator) Snapshot() map[int]string {
	out := make(map[int]string, len(c.holders))
	for k, v := range c.holders {
		out[k] = v
	}
	return out
}
