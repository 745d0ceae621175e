package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// SaveCriterionTree writes a criterion's atoms, composites, and edges.
// Any existing tree for the criterion is replaced in the same call so a
// re-structure after review never leaves stale nodes behind.
func (s *Store) SaveCriterionTree(ctx context.Context, tree *types.CriterionTree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCriterionTreeLocked(tree)
}

func (s *Store) saveCriterionTreeLocked(tree *types.CriterionTree) error {
	if tree.CriterionID == "" {
		return fmt.Errorf("save criterion tree: empty criterion id")
	}
	s.deleteCriterionTreeLocked(tree.CriterionID)
	for _, a := range tree.Atoms {
		if a.ID == "" {
			return fmt.Errorf("save criterion tree %s: atom with empty id", tree.CriterionID)
		}
		s.atoms[a.ID] = cloneAtom(a)
	}
	for _, c := range tree.Composites {
		if c.ID == "" {
			return fmt.Errorf("save criterion tree %s: composite with empty id", tree.CriterionID)
		}
		s.composites[c.ID] = cloneComposite(c)
	}
	for _, r := range tree.Relationships {
		if r.ID == "" {
			return fmt.Errorf("save criterion tree %s: relationship with empty id", tree.CriterionID)
		}
		s.rels[r.ID] = cloneRel(r)
	}
	return nil
}

// GetCriterionTree returns the persisted tree of one criterion.
func (s *Store) GetCriterionTree(ctx context.Context, criterionID string) (*types.CriterionTree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree := s.collectTreeLocked(criterionID)
	if len(tree.Atoms) == 0 && len(tree.Composites) == 0 {
		return nil, fmt.Errorf("criterion tree %s: %w", criterionID, storage.ErrNotFound)
	}
	return tree, nil
}

func (s *Store) collectTreeLocked(criterionID string) *types.CriterionTree {
	tree := &types.CriterionTree{CriterionID: criterionID}
	for _, a := range s.atoms {
		if a.CriterionID == criterionID {
			tree.Atoms = append(tree.Atoms, cloneAtom(a))
		}
	}
	for _, c := range s.composites {
		if c.CriterionID == criterionID {
			tree.Composites = append(tree.Composites, cloneComposite(c))
		}
	}
	for _, r := range s.rels {
		if r.CriterionID == criterionID {
			tree.Relationships = append(tree.Relationships, cloneRel(r))
		}
	}
	sort.Slice(tree.Atoms, func(i, j int) bool { return tree.Atoms[i].ID < tree.Atoms[j].ID })
	sort.Slice(tree.Composites, func(i, j int) bool { return tree.Composites[i].ID < tree.Composites[j].ID })
	sort.Slice(tree.Relationships, func(i, j int) bool {
		a, b := tree.Relationships[i], tree.Relationships[j]
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		return a.ChildSequence < b.ChildSequence
	})
	return tree
}

// ListCriterionTrees returns every persisted tree under a protocol, grouped
// by criterion.
func (s *Store) ListCriterionTrees(ctx context.Context, protocolID string) ([]*types.CriterionTree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make(map[string]bool)
	for _, a := range s.atoms {
		if a.ProtocolID == protocolID {
			ids[a.CriterionID] = true
		}
	}
	for _, c := range s.composites {
		if c.ProtocolID == protocolID {
			ids[c.CriterionID] = true
		}
	}
	out := make([]*types.CriterionTree, 0, len(ids))
	for id := range ids {
		out = append(out, s.collectTreeLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CriterionID < out[j].CriterionID })
	return out, nil
}

// DeleteCriterionTree removes every node and edge of one criterion's tree.
func (s *Store) DeleteCriterionTree(ctx context.Context, criterionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCriterionTreeLocked(criterionID)
	return nil
}

func (s *Store) deleteCriterionTreeLocked(criterionID string) {
	for id, a := range s.atoms {
		if a.CriterionID == criterionID {
			delete(s.atoms, id)
		}
	}
	for id, c := range s.composites {
		if c.CriterionID == criterionID {
			delete(s.composites, id)
		}
	}
	for id, r := range s.rels {
		if r.CriterionID == criterionID {
			delete(s.rels, id)
		}
	}
}
