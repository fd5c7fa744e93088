package manager

import (
	"sort"

	"github.com/duke-git/lancet/v2/maputil"
)

// ClientKey identifies a client by its authenticated user and group.
type ClientKey struct {
	User  string
	Group string
}

// clientSessions maps each client to the ids of the sessions it owns.
// Every id in it is also a key of Manager.sessions.
type clientSessions map[ClientKey]map[int]struct{}

func (c clientSessions) add(key ClientKey, id int) {
	set, ok := c[key]
	if !ok {
		set = make(map[int]struct{})
		c[key] = set
	}
	set[id] = struct{}{}
}

func (c clientSessions) remove(key ClientKey, id int) {
	set, ok := c[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(c, key)
	}
}

// ids returns the session ids of key in ascending order.
func (c clientSessions) ids(key ClientKey) []int {
	ids := maputil.Keys(c[key])
	sort.Ints(ids)
	return ids
}
