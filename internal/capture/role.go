package capture

import (
	"strings"

	"golang.org/x/net/html"
)

type Role string

const (
	RoleHuman     Role = "Human"
	RoleAssistant Role = "Assistant"
)

// RoleStrategy infers the author of a message node. index is the node's
// position in the full ordered message list. ok is false when the strategy
// has no opinion.
type RoleStrategy interface {
	InferRole(n *html.Node, index int) (role Role, ok bool)
}

// RoleChain consults its strategies in priority order.
type RoleChain []RoleStrategy

// DefaultRoleChain prefers explicit class markers and falls back to parity.
func DefaultRoleChain() RoleChain {
	return RoleChain{AncestorClassRole{}, ParityRole{}}
}

// Infer returns the first opinion in the chain. An empty or undecided chain
// falls back to parity.
func (c RoleChain) Infer(n *html.Node, index int) Role {
	for _, s := range c {
		if role, ok := s.InferRole(n, index); ok {
			return role
		}
	}
	role, _ := ParityRole{}.InferRole(n, index)
	return role
}

// AncestorClassRole looks at the nearest ancestor-or-self whose class
// mentions "message" and reads the author from its class tokens.
type AncestorClassRole struct{}

func (AncestorClassRole) InferRole(n *html.Node, _ int) (Role, bool) {
	group := messageGroup(n)
	if group == nil {
		return "", false
	}
	class, _ := attr(group, "class")
	class = strings.ToLower(class)
	switch {
	case strings.Contains(class, "user"), strings.Contains(class, "human"):
		return RoleHuman, true
	case strings.Contains(class, "assistant"), strings.Contains(class, "claude"):
		return RoleAssistant, true
	}
	return "", false
}

// ParityRole alternates authors by position: even is Human, odd is
// Assistant. It misattributes turns when the page inserts messages out of
// visual order.
type ParityRole struct{}

func (ParityRole) InferRole(_ *html.Node, index int) (Role, bool) {
	if index%2 == 0 {
		return RoleHuman, true
	}
	return RoleAssistant, true
}

func messageGroup(n *html.Node) *html.Node {
	return closest(n, func(el *html.Node) bool {
		class, ok := attr(el, "class")
		return ok && strings.Contains(strings.ToLower(class), "message")
	})
}
