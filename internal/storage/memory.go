package storage

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/andyleap/bioauth/internal/models"
)

// MemoryStorage keeps every collection in process memory. It implements
// all storage interfaces and is used for development and tests.
type MemoryStorage struct {
	users       map[string]*models.User
	challenges  map[string]*models.PendingChallenge
	credentials map[string]*models.Credential
	descriptors map[string]*models.FaceDescriptor
	events      []*models.SecurityEvent
	sessions    map[string]*models.Session
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:       make(map[string]*models.User),
		challenges:  make(map[string]*models.PendingChallenge),
		credentials: make(map[string]*models.Credential),
		descriptors: make(map[string]*models.FaceDescriptor),
		sessions:    make(map[string]*models.Session),
	}
}

func (m *MemoryStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u := *user
	return &u, nil
}

func (m *MemoryStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			u := *user
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStorage) SaveUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := *user
	m.users[user.ID] = &u
	return nil
}

func (m *MemoryStorage) GetPendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pc, ok := m.challenges[userID]
	if !ok {
		return nil, nil
	}
	c := *pc
	return &c, nil
}

func (m *MemoryStorage) SavePendingChallenge(ctx context.Context, userID string, challenge *models.PendingChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *challenge
	m.challenges[userID] = &c
	return nil
}

func (m *MemoryStorage) TakePendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pc, ok := m.challenges[userID]
	if !ok {
		return nil, nil
	}
	delete(m.challenges, userID)
	return pc, nil
}

func (m *MemoryStorage) ClearPendingChallenge(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.challenges, userID)
	return nil
}

func (m *MemoryStorage) CreateCredential(ctx context.Context, cred *models.Credential, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.credentials {
		if existing.CredentialID.Equal(cred.CredentialID) {
			return ErrDuplicate
		}
	}
	c := *cred
	m.credentials[cred.ID] = &c
	m.appendEvent(event)
	return nil
}

func (m *MemoryStorage) ListCredentials(ctx context.Context, userID string) ([]*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var creds []*models.Credential
	for _, cred := range m.credentials {
		if cred.UserID == userID {
			c := *cred
			creds = append(creds, &c)
		}
	}
	slices.SortFunc(creds, func(a, b *models.Credential) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return creds, nil
}

func (m *MemoryStorage) CountCredentials(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, cred := range m.credentials {
		if cred.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStorage) UpdateCredentialUsage(ctx context.Context, id string, expected, counter uint32, usedAt time.Time, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.credentials[id]
	if !ok {
		return ErrNotFound
	}
	if cred.SignCounter != expected {
		return ErrCounterConflict
	}
	cred.SignCounter = counter
	t := usedAt
	cred.LastUsedAt = &t
	m.appendEvent(event)
	return nil
}

func (m *MemoryStorage) DeleteCredential(ctx context.Context, userID, id string, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.credentials[id]
	if !ok || cred.UserID != userID {
		return ErrNotFound
	}
	delete(m.credentials, id)
	m.appendEvent(event)
	return nil
}

func (m *MemoryStorage) CreateDescriptor(ctx context.Context, desc *models.FaceDescriptor, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.descriptors[desc.ID]; ok {
		return ErrDuplicate
	}
	d := *desc
	m.descriptors[desc.ID] = &d
	m.appendEvent(event)
	return nil
}

func (m *MemoryStorage) ListDescriptors(ctx context.Context, userID string) ([]*models.FaceDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var descs []*models.FaceDescriptor
	for _, desc := range m.descriptors {
		if desc.UserID == userID {
			d := *desc
			descs = append(descs, &d)
		}
	}
	slices.SortFunc(descs, func(a, b *models.FaceDescriptor) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return descs, nil
}

func (m *MemoryStorage) CountDescriptors(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, desc := range m.descriptors {
		if desc.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStorage) TouchDescriptor(ctx context.Context, id string, usedAt time.Time, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	desc, ok := m.descriptors[id]
	if !ok {
		return ErrNotFound
	}
	t := usedAt
	desc.LastUsedAt = &t
	m.appendEvent(event)
	return nil
}

func (m *MemoryStorage) DeleteDescriptor(ctx context.Context, userID, id string, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	desc, ok := m.descriptors[id]
	if !ok || desc.UserID != userID {
		return ErrNotFound
	}
	delete(m.descriptors, id)
	m.appendEvent(event)
	return nil
}

func (m *MemoryStorage) RecordEvent(ctx context.Context, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendEvent(event)
	return nil
}

// ListEvents returns the most recent events, newest first. An empty userID
// lists events of every user.
func (m *MemoryStorage) ListEvents(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*models.SecurityEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if userID != "" && (e.UserID == nil || *e.UserID != userID) {
			continue
		}
		events = append(events, e)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// appendEvent must be called with mu held.
func (m *MemoryStorage) appendEvent(event *models.SecurityEvent) {
	if event == nil {
		return
	}
	e := *event
	m.events = append(m.events, &e)
}

func (m *MemoryStorage) SaveSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *session
	m.sessions[session.ID] = &s
	return nil
}

func (m *MemoryStorage) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, nil
	}

	if session.Expired(time.Now()) {
		delete(m.sessions, sessionID)
		return nil, nil
	}

	s := *session
	return &s, nil
}

func (m *MemoryStorage) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

// RunCleanup removes expired sessions and challenges every interval until
// ctx is done.
func (m *MemoryStorage) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(time.Now())
		}
	}
}

func (m *MemoryStorage) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, pc := range m.challenges {
		if pc.Expired(now) {
			delete(m.challenges, userID)
		}
	}

	for sessionID, session := range m.sessions {
		if session.Expired(now) {
			delete(m.sessions, sessionID)
		}
	}
}

func newestFirst(a, b time.Time, aID, bID string) int {
	if c := b.Compare(a); c != 0 {
		return c
	}
	return cmp.Compare(bID, aID)
}
