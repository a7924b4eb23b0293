package store

import (
	"context"
	"fmt"
	"os"

	"github.com/richinsley/charimage/generation"
	"gopkg.in/yaml.v3"
)

var (
	_ generation.CharacterStore = (*File)(nil)
	_ generation.UserStore      = (*File)(nil)
)

// fileContents is the layout of a store file:
//
//	users:
//	  - id: u1
//	    username: alice
//	characters:
//	  - id: "42"
//	    name: Luna Star
//	    creator_id: u1
type fileContents struct {
	Users      []generation.User             `yaml:"users"`
	Characters []generation.CharacterProfile `yaml:"characters"`
}

// File is a read-only store loaded once from a YAML file, for local runs
// without a database
type File struct {
	users      map[string]generation.User
	characters map[string]generation.CharacterProfile
}

func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(data)
}

func ParseFile(data []byte) (*File, error) {
	var contents fileContents
	if err := yaml.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("parsing store file: %w", err)
	}

	f := &File{
		users:      make(map[string]generation.User, len(contents.Users)),
		characters: make(map[string]generation.CharacterProfile, len(contents.Characters)),
	}
	for _, u := range contents.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("user %q has no id", u.Username)
		}
		f.users[u.ID] = u
	}
	for _, c := range contents.Characters {
		if c.ID == "" {
			return nil, fmt.Errorf("character %q has no id", c.Name)
		}
		f.characters[c.ID] = c
	}
	return f, nil
}

func (f *File) GetCharacter(ctx context.Context, id string) (*generation.CharacterProfile, error) {
	c, ok := f.characters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generation.ErrCharacterNotFound, id)
	}
	return &c, nil
}

func (f *File) GetUser(ctx context.Context, id string) (*generation.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generation.ErrUserNotFound, id)
	}
	return &u, nil
}
