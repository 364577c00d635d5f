package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andyleap/bioauth/internal/models"
	"github.com/google/uuid"
)

// FilesystemStorage is a user directory backed by one JSON file per user,
// with each user's pending challenge in a sibling file.
type FilesystemStorage struct {
	basePath string
}

func NewFilesystemStorage(basePath string) (*FilesystemStorage, error) {
	for _, dir := range []string{"users", "challenges"} {
		p := filepath.Join(basePath, dir)
		if err := os.MkdirAll(p, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s path: %w", dir, err)
		}
	}

	return &FilesystemStorage{
		basePath: basePath,
	}, nil
}

func (f *FilesystemStorage) path(dir, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid id %q", id)
	}
	return filepath.Join(f.basePath, dir, id+".json"), nil
}

func (f *FilesystemStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	userPath, err := f.path("users", id)
	if err != nil {
		return nil, ErrNotFound
	}

	var user models.User
	if err := readJSON(userPath, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (f *FilesystemStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	entries, err := os.ReadDir(filepath.Join(f.basePath, "users"))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var user models.User
		if err := readJSON(filepath.Join(f.basePath, "users", entry.Name()), &user); err != nil {
			return nil, err
		}
		if strings.EqualFold(user.Email, email) {
			return &user, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FilesystemStorage) SaveUser(ctx context.Context, user *models.User) error {
	userPath, err := f.path("users", user.ID)
	if err != nil {
		return err
	}
	return writeJSON(userPath, user)
}

func (f *FilesystemStorage) GetPendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	p, err := f.path("challenges", userID)
	if err != nil {
		return nil, nil
	}

	var challenge models.PendingChallenge
	if err := readJSON(p, &challenge); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &challenge, nil
}

func (f *FilesystemStorage) SavePendingChallenge(ctx context.Context, userID string, challenge *models.PendingChallenge) error {
	p, err := f.path("challenges", userID)
	if err != nil {
		return err
	}
	return writeJSON(p, challenge)
}

// TakePendingChallenge claims the slot by renaming it to a unique name
// before reading it; only one caller's rename can succeed.
func (f *FilesystemStorage) TakePendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	p, err := f.path("challenges", userID)
	if err != nil {
		return nil, nil
	}

	claimed := fmt.Sprintf("%s.taken-%s", p, uuid.NewString())
	if err := os.Rename(p, claimed); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to take challenge: %w", err)
	}
	defer os.Remove(claimed)

	var challenge models.PendingChallenge
	if err := readJSON(claimed, &challenge); err != nil {
		return nil, err
	}
	return &challenge, nil
}

func (f *FilesystemStorage) ClearPendingChallenge(ctx context.Context, userID string) error {
	p, err := f.path("challenges", userID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear challenge: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically via a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
