package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "data", "user_data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t),
	}
}

func TestSharedSecret(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.SharedSecret(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.EnsureSharedSecret(ctx, "LED12AA@"))
			require.NoError(t, s.EnsureSharedSecret(ctx, "something-else"))

			got, err := s.SharedSecret(ctx)
			require.NoError(t, err)
			assert.Equal(t, "LED12AA@", got, "existing secret must not be overwritten")
		})
	}
}

func TestResolveToken_Idempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, created, err := s.ResolveToken(ctx, "tok-1")
			require.NoError(t, err)
			assert.True(t, created)
			assert.NotEmpty(t, first.UserID)
			assert.Empty(t, first.Conversation)

			second, created, err := s.ResolveToken(ctx, "tok-1")
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, first.UserID, second.UserID)

			other, _, err := s.ResolveToken(ctx, "tok-2")
			require.NoError(t, err)
			assert.NotEqual(t, first.UserID, other.UserID)
		})
	}
}

func TestResolveToken_ConcurrentFirstUse(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 8

			var wg sync.WaitGroup
			ids := make([]string, n)
			createdCount := make([]bool, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rec, created, err := s.ResolveToken(ctx, "shared-token")
					ids[i], createdCount[i], errs[i] = rec.UserID, created, err
				}(i)
			}
			wg.Wait()

			creations := 0
			for i := 0; i < n; i++ {
				require.NoError(t, errs[i])
				assert.Equal(t, ids[0], ids[i])
				if createdCount[i] {
					creations++
				}
			}
			assert.Equal(t, 1, creations)
		})
	}
}

func TestResolveToken_EmptyToken(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := s.ResolveToken(context.Background(), "")
			assert.Error(t, err)
		})
	}
}

func TestConversation_RoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, _, err := s.ResolveToken(ctx, "tok")
			require.NoError(t, err)

			var history []Turn
			for i := 0; i < 3; i++ {
				history = append(history,
					Turn{Role: RoleUser, Content: fmt.Sprintf("question %d", i)},
					Turn{Role: RoleAssistant, Content: fmt.Sprintf("answer %d", i)},
				)
				require.NoError(t, s.SaveConversation(ctx, rec.UserID, history))
			}

			got, err := s.Conversation(ctx, rec.UserID)
			require.NoError(t, err)
			assert.Len(t, got, 6)
			assert.Equal(t, history, got)

			again, _, err := s.ResolveToken(ctx, "tok")
			require.NoError(t, err)
			assert.Equal(t, history, again.Conversation)
		})
	}
}

func TestConversation_UnknownUser(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.Conversation(ctx, "missing")
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Empty(t, got)

			err = s.SaveConversation(ctx, "missing", []Turn{{Role: RoleUser, Content: "hi"}})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSaveConversation_LastWriteWins(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, _, err := s.ResolveToken(ctx, "tok")
			require.NoError(t, err)

			a := []Turn{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "A"}}
			b := []Turn{{Role: RoleUser, Content: "b"}, {Role: RoleAssistant, Content: "B"}}
			require.NoError(t, s.SaveConversation(ctx, rec.UserID, a))
			require.NoError(t, s.SaveConversation(ctx, rec.UserID, b))

			got, err := s.Conversation(ctx, rec.UserID)
			require.NoError(t, err)
			assert.Equal(t, b, got)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec, _, err := s.ResolveToken(ctx, "tok")
	require.NoError(t, err)

	turns := []Turn{{Role: RoleUser, Content: "original"}}
	require.NoError(t, s.SaveConversation(ctx, rec.UserID, turns))
	turns[0].Content = "mutated"

	got, err := s.Conversation(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, "original", got[0].Content)
}

func TestSQLStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "user_data.db")

	s, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSharedSecret(ctx, "secret"))
	rec, _, err := s.ResolveToken(ctx, "tok")
	require.NoError(t, err)
	require.NoError(t, s.SaveConversation(ctx, rec.UserID, []Turn{{Role: RoleUser, Content: "hi"}}))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	defer reopened.Close()

	secret, err := reopened.SharedSecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", secret)

	again, created, err := reopened.ResolveToken(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.UserID, again.UserID)
	assert.Len(t, again.Conversation, 1)
	assert.NoError(t, reopened.Ping(ctx))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.Error(t, err)
}

func TestOpen_MigrationError(t *testing.T) {
	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}

	_, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{postgres: true}
	lite := &SQLStore{}

	q := "UPDATE records SET conversation = ? WHERE record_type = ? AND user_id = ?"
	assert.Equal(t, "UPDATE records SET conversation = $1 WHERE record_type = $2 AND user_id = $3", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}
