package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andyleap/bioauth/internal/models"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Users []seedUser `yaml:"users"`
}

type seedUser struct {
	ID        string `yaml:"id"`
	Email     string `yaml:"email"`
	FirstName string `yaml:"firstName"`
	LastName  string `yaml:"lastName"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"isActive"`
}

// LoadUsers parses a YAML users file of the form
//
//	users:
//	  - id: 7f3c...
//	    email: ada@example.com
//	    firstName: Ada
//	    isActive: true
func LoadUsers(path string) ([]*models.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}

	now := time.Now()
	users := make([]*models.User, 0, len(file.Users))
	seen := make(map[string]bool, len(file.Users))
	for i, su := range file.Users {
		if su.ID == "" || su.Email == "" {
			return nil, fmt.Errorf("users file entry %d: id and email are required", i)
		}
		if seen[su.ID] {
			return nil, fmt.Errorf("users file entry %d: duplicate id %q", i, su.ID)
		}
		seen[su.ID] = true

		active := true
		if su.Active != nil {
			active = *su.Active
		}
		users = append(users, &models.User{
			ID:        su.ID,
			Email:     su.Email,
			FirstName: su.FirstName,
			LastName:  su.LastName,
			IsActive:  active,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return users, nil
}

// SeedUsers writes every user into the directory, replacing existing records.
func SeedUsers(ctx context.Context, dir UserDirectory, users []*models.User) error {
	for _, u := range users {
		if err := dir.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.ID, err)
		}
	}
	return nil
}
