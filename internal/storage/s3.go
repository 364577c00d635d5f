package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andyleap/bioauth/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Storage is a user directory kept as JSON objects in a bucket:
// users/<id>.json, emails/<email>.json (id index) and challenges/<id>.json.
type S3Storage struct {
	client *minio.Client
	bucket string
	takeMu sync.Mutex
}

func NewS3Storage(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3Storage{
		client: client,
		bucket: bucket,
	}, nil
}

func userObjectKey(id string) string {
	return fmt.Sprintf("users/%s.json", id)
}

func emailObjectKey(email string) string {
	return fmt.Sprintf("emails/%s.json", strings.ToLower(email))
}

func challengeObjectKey(userID string) string {
	return fmt.Sprintf("challenges/%s.json", userID)
}

type emailIndex struct {
	UserID string `json:"userId"`
}

func (s *S3Storage) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.getJSON(ctx, userObjectKey(id), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *S3Storage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var idx emailIndex
	if err := s.getJSON(ctx, emailObjectKey(email), &idx); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, idx.UserID)
}

func (s *S3Storage) SaveUser(ctx context.Context, user *models.User) error {
	if err := s.putJSON(ctx, userObjectKey(user.ID), user); err != nil {
		return err
	}
	return s.putJSON(ctx, emailObjectKey(user.Email), emailIndex{UserID: user.ID})
}

func (s *S3Storage) GetPendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	var challenge models.PendingChallenge
	if err := s.getJSON(ctx, challengeObjectKey(userID), &challenge); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &challenge, nil
}

func (s *S3Storage) SavePendingChallenge(ctx context.Context, userID string, challenge *models.PendingChallenge) error {
	return s.putJSON(ctx, challengeObjectKey(userID), challenge)
}

// TakePendingChallenge reads and removes the slot. S3 has no atomic
// get-and-delete, so takes are serialised within this process only; run
// several instances with challenge-mode redis instead.
func (s *S3Storage) TakePendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	s.takeMu.Lock()
	defer s.takeMu.Unlock()

	pc, err := s.GetPendingChallenge(ctx, userID)
	if err != nil || pc == nil {
		return pc, err
	}
	if err := s.ClearPendingChallenge(ctx, userID); err != nil {
		return nil, err
	}
	return pc, nil
}

func (s *S3Storage) ClearPendingChallenge(ctx context.Context, userID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, challengeObjectKey(userID), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to clear challenge in S3: %w", err)
	}
	return nil
}

func (s *S3Storage) getJSON(ctx context.Context, key string, v any) error {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get %s from S3: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to save %s to S3: %w", key, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
