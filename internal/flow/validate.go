package flow

import (
	"errors"
	"fmt"
	"slices"
)

// Validate checks a flow [Config] for structural problems and reports all of
// them at once.
//
// Rules:
//   - InitialNode must be set and name a defined node.
//   - At least one node must be defined.
//   - Function names must be non-empty and unique within their node.
//   - Every transition_to must name a defined node.
//   - Actions must have a known type; tts_say actions need text.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.InitialNode == "" {
		errs = append(errs, errors.New("initial_node must be set"))
	}
	if len(cfg.Nodes) == 0 {
		errs = append(errs, errors.New("at least one node is required"))
	}
	if cfg.InitialNode != "" && len(cfg.Nodes) > 0 {
		if _, ok := cfg.Nodes[cfg.InitialNode]; !ok {
			errs = append(errs, fmt.Errorf("initial_node %q is not a defined node", cfg.InitialNode))
		}
	}

	// Sorted so repeated runs report problems in a stable order.
	names := make([]string, 0, len(cfg.Nodes))
	for name := range cfg.Nodes {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		node := cfg.Nodes[name]

		seen := make(map[string]bool, len(node.Functions))
		for i, fn := range node.Functions {
			if fn.Name == "" {
				errs = append(errs, fmt.Errorf("node %q: function[%d]: name must not be empty", name, i))
				continue
			}
			if seen[fn.Name] {
				errs = append(errs, fmt.Errorf("node %q: duplicate function %q", name, fn.Name))
			}
			seen[fn.Name] = true

			if fn.TransitionTo != "" {
				if _, ok := cfg.Nodes[fn.TransitionTo]; !ok {
					errs = append(errs, fmt.Errorf("node %q: function %q: transition_to %q is not a defined node", name, fn.Name, fn.TransitionTo))
				}
			}
		}

		errs = append(errs, validateActions(name, "pre_actions", node.PreActions)...)
		errs = append(errs, validateActions(name, "post_actions", node.PostActions)...)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func validateActions(node, kind string, actions []Action) []error {
	var errs []error
	for i, a := range actions {
		if !knownActionTypes[a.Type] {
			errs = append(errs, fmt.Errorf("node %q: %s[%d]: unknown action type %q", node, kind, i, a.Type))
			continue
		}
		if a.Type == ActionSay && a.Text == "" {
			errs = append(errs, fmt.Errorf("node %q: %s[%d]: tts_say requires text", node, kind, i))
		}
	}
	return errs
}
