package metadata

import "strings"

// Operation names an action that permissions are granted for.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpRead   Operation = "READ"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	// OpAssign covers changing a row's ownership fields.
	OpAssign Operation = "ASSIGN"
)

var operations = []Operation{OpCreate, OpRead, OpUpdate, OpDelete, OpAssign}

// ParseOperation accepts any casing.
func ParseOperation(s string) (Operation, bool) {
	up := Operation(strings.ToUpper(strings.TrimSpace(s)))
	for _, op := range operations {
		if op == up {
			return op, true
		}
	}
	return "", false
}
