// Package groups manages the user-defined named groups of forum
// categories whose feeds get merged.
package groups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forumtools/discourse-mergefeed/pkg/logging"
	"github.com/forumtools/discourse-mergefeed/pkg/store"
)

var (
	// ErrNotFound indicates no group with the given id or name exists.
	ErrNotFound = errors.New("groups: not found")

	// ErrNameTaken indicates another group already uses the name. Names
	// double as routable path segments, so they must be unique.
	ErrNameTaken = errors.New("groups: name already in use")

	// ErrInvalidName rejects empty or slash-containing names.
	ErrInvalidName = errors.New("groups: invalid name")
)

// Group is a named set of categories to merge.
type Group struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	CategoryIDs []int64 `json:"categoryIds"`
}

// Service persists groups as a single list in the key-value store.
// Last writer wins; there is no concurrent-editor conflict resolution.
type Service struct {
	store  store.Store
	logger zerolog.Logger
}

// NewService creates a group service.
func NewService(s store.Store) *Service {
	return &Service{store: s, logger: logging.NewLogger("groups")}
}

// List returns all groups in stored order. A missing or corrupt list
// reads as empty.
func (s *Service) List(ctx context.Context) ([]Group, error) {
	data, err := s.store.Get(ctx, store.KeyCategoryGroups)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load groups: %w", err)
	}
	var groups []Group
	if err := json.Unmarshal(data, &groups); err != nil {
		s.logger.Warn().Msg("Corrupt group list, starting empty")
		return nil, nil
	}
	return groups, nil
}

func (s *Service) save(ctx context.Context, groups []Group) error {
	data, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("marshal groups: %w", err)
	}
	if err := s.store.Set(ctx, store.KeyCategoryGroups, data); err != nil {
		return fmt.Errorf("save groups: %w", err)
	}
	return nil
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return ErrInvalidName
	}
	return nil
}

// Create adds a group with a generated id and returns it.
func (s *Service) Create(ctx context.Context, name string, categoryIDs []int64) (Group, error) {
	if err := validateName(name); err != nil {
		return Group{}, err
	}
	groups, err := s.List(ctx)
	if err != nil {
		return Group{}, err
	}
	for _, g := range groups {
		if g.Name == name {
			return Group{}, ErrNameTaken
		}
	}

	group := Group{
		ID:          uuid.NewString(),
		Name:        name,
		CategoryIDs: append([]int64(nil), categoryIDs...),
	}
	groups = append(groups, group)
	if err := s.save(ctx, groups); err != nil {
		return Group{}, err
	}
	return group, nil
}

// Update replaces the group with the same id.
func (s *Service) Update(ctx context.Context, group Group) error {
	if err := validateName(group.Name); err != nil {
		return err
	}
	groups, err := s.List(ctx)
	if err != nil {
		return err
	}
	index := -1
	for i, g := range groups {
		if g.ID == group.ID {
			index = i
			continue
		}
		if g.Name == group.Name {
			return ErrNameTaken
		}
	}
	if index == -1 {
		return ErrNotFound
	}
	groups[index] = group
	return s.save(ctx, groups)
}

// Delete removes the group with the given id. Deleting an unknown id
// is not an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	groups, err := s.List(ctx)
	if err != nil {
		return err
	}
	kept := groups[:0]
	for _, g := range groups {
		if g.ID != id {
			kept = append(kept, g)
		}
	}
	return s.save(ctx, kept)
}

// Get returns the group with the given id.
func (s *Service) Get(ctx context.Context, id string) (Group, error) {
	groups, err := s.List(ctx)
	if err != nil {
		return Group{}, err
	}
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
	}
	return Group{}, ErrNotFound
}

// GetByName resolves a group by its routable name.
func (s *Service) GetByName(ctx context.Context, name string) (Group, error) {
	groups, err := s.List(ctx)
	if err != nil {
		return Group{}, err
	}
	for _, g := range groups {
		if g.Name == name {
			return g, nil
		}
	}
	return Group{}, ErrNotFound
}
