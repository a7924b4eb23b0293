package generation

import (
	"context"

	"github.com/richinsley/charimage/indexalloc"
	"github.com/richinsley/charimage/safety"
	"github.com/richinsley/charimage/storage"
)

type CharacterStore interface {
	// GetCharacter returns ErrCharacterNotFound when id is unknown
	GetCharacter(ctx context.Context, id string) (*CharacterProfile, error)
}

type UserStore interface {
	// GetUser returns ErrUserNotFound when id is unknown
	GetUser(ctx context.Context, id string) (*User, error)
}

type SafetyChecker interface {
	Check(ctx context.Context, text string) (safety.Verdict, error)
}

// EmbeddingTrainer starts training a textual inversion for a character.
// Calls are not awaited by generation.
type EmbeddingTrainer interface {
	TriggerTraining(ctx context.Context, profile *CharacterProfile) error
}

type Storage = storage.Storage

type IndexAllocator = indexalloc.Allocator
