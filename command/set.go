package command

import (
	"sort"

	"github.com/google/uuid"
)

// Set is a set of commands keyed by id. The zero value is not usable for writes, use NewSet.
type Set map[uuid.UUID]Command

func NewSet(cmds ...Command) Set {
	var s = make(Set, len(cmds))
	for _, cmd := range cmds {
		s[cmd.ID] = cmd
	}
	return s
}

// Add inserts cmd and reports whether it was not present before.
func (s Set) Add(cmd Command) bool {
	if _, ok := s[cmd.ID]; ok {
		return false
	}
	s[cmd.ID] = cmd
	return true
}

func (s Set) Has(cmd Command) bool {
	var _, ok = s[cmd.ID]
	return ok
}

// Merge adds every command of other to s.
func (s Set) Merge(other Set) {
	for id, cmd := range other {
		s[id] = cmd
	}
}

func (s Set) Clone() Set {
	var res = make(Set, len(s))
	for id, cmd := range s {
		res[id] = cmd
	}
	return res
}

// Union returns a new set with the commands of both s and other.
func (s Set) Union(other Set) Set {
	var res = s.Clone()
	res.Merge(other)
	return res
}

// Difference returns a new set with the commands of s that are not in other.
func (s Set) Difference(other Set) Set {
	var res = make(Set)
	for id, cmd := range s {
		if _, ok := other[id]; !ok {
			res[id] = cmd
		}
	}
	return res
}

// Sorted returns the commands in their total order.
func (s Set) Sorted() []Command {
	var res = make([]Command, 0, len(s))
	for _, cmd := range s {
		res = append(res, cmd)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].Less(res[j])
	})

	return res
}

func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if _, ok := other[id]; !ok {
			return false
		}
	}
	return true
}
