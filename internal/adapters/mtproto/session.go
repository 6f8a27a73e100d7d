package mtproto

import (
	"context"
	"sync"

	"github.com/gotd/td/session"

	"tg-mailing-bot/internal/domain"
)

// SessionDB хранит сессию аккаунта в БД под его именем сессии.
type SessionDB struct {
	repo domain.SessionRepo
	name string
}

// NewSessionDB создаёт хранилище сессии для gotd.
func NewSessionDB(repo domain.SessionRepo, name string) *SessionDB {
	return &SessionDB{repo: repo, name: name}
}

// LoadSession загружает сессию. Отсутствие записи возвращается как session.ErrNotFound.
func (s *SessionDB) LoadSession(ctx context.Context) ([]byte, error) {
	return s.repo.LoadMTProtoSession(ctx, s.name)
}

// StoreSession сохраняет сессию после обновления ключей.
func (s *SessionDB) StoreSession(ctx context.Context, data []byte) error {
	return s.repo.StoreMTProtoSession(ctx, s.name, data)
}

// SessionInMemory хранит сессию в памяти.
type SessionInMemory struct {
	mu   sync.Mutex
	data []byte
}

// NewSessionInMemory создаёт хранилище с готовыми данными.
func NewSessionInMemory(data []byte) *SessionInMemory {
	return &SessionInMemory{data: append([]byte(nil), data...)}
}

// LoadSession загружает сессию.
func (s *SessionInMemory) LoadSession(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

// StoreSession сохраняет сессию.
func (s *SessionInMemory) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

var (
	_ session.Storage = (*SessionDB)(nil)
	_ session.Storage = (*SessionInMemory)(nil)
)
