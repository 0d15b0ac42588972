// Package rid defines resource identifiers, the join key for every object
// exchanged on the network.
package rid

import (
	"fmt"
	"strings"
)

// Well-known resource types carried by this node.
const (
	EventType      = "forge.event"
	RepositoryType = "forge.repo"
	NodeType       = "forge.node"
)

// RID is a structured identifier of the form
//
//	<namespace>.<type>:<scope>:<local-id>
//
// e.g. "forge.event:acme/widgets:e1". Once parsed, a RID is treated as an
// opaque key everywhere else; two RIDs are equal iff their string forms are
// equal. The scope segment may contain "/" and the local-id segment may
// contain ":".
type RID string

// MalformedRidError is returned when an input string does not conform to the
// RID grammar.
type MalformedRidError struct {
	Input  string
	Reason string
}

func (e MalformedRidError) Error() string {
	return fmt.Sprintf("malformed rid %q: %s", e.Input, e.Reason)
}

// Parse validates s against the RID grammar.
func Parse(s string) (RID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return "", MalformedRidError{s, "want <namespace>.<type>:<scope>:<local-id>"}
	}

	typ, scope, local := parts[0], parts[1], parts[2]

	if err := checkType(typ); err != "" {
		return "", MalformedRidError{s, err}
	}
	if scope == "" {
		return "", MalformedRidError{s, "empty scope"}
	}
	if strings.ContainsAny(scope, " \t\n") {
		return "", MalformedRidError{s, "whitespace in scope"}
	}
	if local == "" {
		return "", MalformedRidError{s, "empty local-id"}
	}
	if strings.ContainsAny(local, " \t\n") {
		return "", MalformedRidError{s, "whitespace in local-id"}
	}

	return RID(s), nil
}

// New assembles a RID from a validated type prefix and raw segments.
func New(ridType, scope, localID string) (RID, error) {
	return Parse(ridType + ":" + scope + ":" + localID)
}

// EventRID mints the identifier of one activity event scoped to a repository
// given as "owner/name".
func EventRID(repo, localID string) (RID, error) {
	return New(EventType, repo, localID)
}

// RepositoryRID mints the identifier of a repository given as "owner/name".
func RepositoryRID(repo string) (RID, error) {
	seg := strings.SplitN(repo, "/", 2)
	if len(seg) != 2 || seg[0] == "" || seg[1] == "" {
		return "", MalformedRidError{repo, "repository reference must be owner/name"}
	}
	return New(RepositoryType, seg[0], seg[1])
}

// NodeRID mints the identifier of a network participant.
func NodeRID(scope, localID string) (RID, error) {
	return New(NodeType, scope, localID)
}

func checkType(typ string) string {
	dot := strings.Index(typ, ".")
	if dot <= 0 || dot == len(typ)-1 {
		return "type prefix must be <namespace>.<type>"
	}
	if strings.Contains(typ[dot+1:], ".") {
		return "type prefix has more than one dot"
	}
	for _, r := range typ {
		if r == '.' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			continue
		}
		return fmt.Sprintf("illegal character %q in type prefix", r)
	}
	return ""
}

// Type returns the <namespace>.<type> prefix.
func (r RID) Type() string {
	if i := strings.Index(string(r), ":"); i >= 0 {
		return string(r)[:i]
	}
	return string(r)
}

// Namespace returns the segment before the dot in the type prefix.
func (r RID) Namespace() string {
	typ := r.Type()
	if i := strings.Index(typ, "."); i >= 0 {
		return typ[:i]
	}
	return typ
}

// Scope returns the middle segment.
func (r RID) Scope() string {
	s := string(r)
	i := strings.Index(s, ":")
	if i < 0 {
		return ""
	}
	rest := s[i+1:]
	if j := strings.Index(rest, ":"); j >= 0 {
		return rest[:j]
	}
	return rest
}

// LocalID returns everything after the second colon.
func (r RID) LocalID() string {
	s := string(r)
	i := strings.Index(s, ":")
	if i < 0 {
		return ""
	}
	rest := s[i+1:]
	j := strings.Index(rest, ":")
	if j < 0 {
		return ""
	}
	return rest[j+1:]
}

func (r RID) String() string {
	return string(r)
}
