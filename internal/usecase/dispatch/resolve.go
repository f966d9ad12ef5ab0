package dispatch

import "strings"

// resolveName maps a free-text reply onto a roster member. An exact name match
// wins; otherwise the first member, in roster order, whose name occurs inside
// the reply is chosen. exact reports which rule matched.
func resolveName(roster []*CharacterAgent, reply string) (agent *CharacterAgent, exact bool) {
	reply = strings.TrimSpace(reply)
	for _, c := range roster {
		if c.Name() == reply {
			return c, true
		}
	}
	for _, c := range roster {
		// An empty name is a substring of every reply and would shadow the
		// rest of the roster. Config validation rejects empty names, so this
		// only matters for casts built in code.
		if c.Name() != "" && strings.Contains(reply, c.Name()) {
			return c, false
		}
	}
	return nil, false
}
