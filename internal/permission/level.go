// Package permission resolves a caller's permission tier per table and
// operation and decides whether a row falls inside that tier's scope.
package permission

import (
	"strings"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
)

// Level is a permission tier. Higher levels subsume lower ones.
type Level int

const (
	None Level = iota
	User
	Team
	System
)

func (l Level) String() string {
	switch l {
	case User:
		return "USER"
	case Team:
		return "TEAM"
	case System:
		return "SYSTEM"
	default:
		return "NONE"
	}
}

func parseTier(s string) (Level, bool) {
	switch s {
	case "USER":
		return User, true
	case "TEAM":
		return Team, true
	case "SYSTEM":
		return System, true
	}
	return None, false
}

const namePrefix = "TABLE_"

// Name builds a permission name such as TABLE_Widget_CREATE_USER.
func Name(table string, op metadata.Operation, l Level) string {
	return namePrefix + table + "_" + string(op) + "_" + l.String()
}

// parseName splits a permission name. Table names may themselves contain
// underscores, so the operation and tier are taken from the right.
func parseName(name string) (table string, op metadata.Operation, l Level, ok bool) {
	rest, found := strings.CutPrefix(name, namePrefix)
	if !found {
		return "", "", None, false
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 {
		return "", "", None, false
	}
	l, ok = parseTier(rest[i+1:])
	if !ok {
		return "", "", None, false
	}
	rest = rest[:i]
	j := strings.LastIndexByte(rest, '_')
	if j <= 0 {
		return "", "", None, false
	}
	op, ok = metadata.ParseOperation(rest[j+1:])
	if !ok {
		return "", "", None, false
	}
	return rest[:j], op, l, true
}

// Grants is the resolved permission set of one user.
type Grants struct {
	levels map[string]Level
	// Teams lists every team the user belongs to.
	Teams []string
}

func grantKey(table string, op metadata.Operation) string {
	return table + "\x00" + string(op)
}

// NewGrants keeps the highest tier per (table, operation). Names that do
// not follow the TABLE_{table}_{OP}_{TIER} pattern are ignored.
func NewGrants(names []string, teams []string) *Grants {
	g := &Grants{levels: make(map[string]Level), Teams: teams}
	for _, n := range names {
		table, op, l, ok := parseName(n)
		if !ok {
			continue
		}
		key := grantKey(table, op)
		if l > g.levels[key] {
			g.levels[key] = l
		}
	}
	return g
}

func (g *Grants) Level(table string, op metadata.Operation) Level {
	if g == nil {
		return None
	}
	return g.levels[grantKey(table, op)]
}

// TeamSet is a set of team ids verified for one caller.
type TeamSet map[string]struct{}

func NewTeamSet(ids ...string) TeamSet {
	s := make(TeamSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s TeamSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// CanAccessRow reports whether row is within the scope of level for the caller.
// A tier whose ownership column the entity lacks does not restrict rows.
func CanAccessRow(level Level, row *record.Record, own metadata.Ownership, userID string, teams TeamSet) bool {
	switch level {
	case System:
		return true
	case Team:
		if own.TeamField == "" {
			return true
		}
		if v := row.Value(own.TeamField); !v.IsNull() && teams.Has(v.Text()) {
			return true
		}
		return ownedBy(row, own.UserField, userID)
	case User:
		if own.UserField == "" {
			return true
		}
		return ownedBy(row, own.UserField, userID)
	}
	return false
}

func ownedBy(row *record.Record, field, userID string) bool {
	if field == "" || userID == "" {
		return false
	}
	v := row.Value(field)
	return !v.IsNull() && v.Text() == userID
}
