package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

func TestKVStore_Get(t *testing.T) {
	tests := []struct {
		name    string
		keys    []string
		mockFn  func(mock pgxmock.PgxPoolIface)
		want    map[string]string
		wantErr bool
	}{
		{
			name: "returns existing keys only",
			keys: []string{"summary_vid1", "quiz_vid1"},
			mockFn: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"key", "value"}).
					AddRow("summary_vid1", []byte(`{"content":"s"}`))
				mock.ExpectQuery("SELECT key, value").
					WithArgs([]string{"summary_vid1", "quiz_vid1"}).
					WillReturnRows(rows)
			},
			want: map[string]string{"summary_vid1": `{"content":"s"}`},
		},
		{
			name:   "no keys skips the query",
			keys:   nil,
			mockFn: func(mock pgxmock.PgxPoolIface) {},
			want:   map[string]string{},
		},
		{
			name: "database error",
			keys: []string{"summary_vid1"},
			mockFn: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery("SELECT key, value").
					WithArgs([]string{"summary_vid1"}).
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer mock.Close()

			tt.mockFn(mock)

			store := NewKVStore(mock, nil)
			got, err := store.Get(context.Background(), tt.keys...)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
				}
				for k, v := range tt.want {
					if string(got[k]) != v {
						t.Errorf("got[%q] = %s, want %s", k, got[k], v)
					}
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestKVStore_Set(t *testing.T) {
	tests := []struct {
		name    string
		mockFn  func(mock pgxmock.PgxPoolIface)
		wantErr bool
	}{
		{
			name: "upserts in key order and notifies",
			mockFn: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO kv_entries").
					WithArgs("quiz_vid1", []byte(`"q"`)).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectExec("INSERT INTO kv_entries").
					WithArgs("summary_vid1", []byte(`"s"`)).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectExec("SELECT pg_notify").
					WithArgs(changesChannel, `{"op":"set","keys":["quiz_vid1","summary_vid1"]}`).
					WillReturnResult(pgxmock.NewResult("SELECT", 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "upsert failure rolls back",
			mockFn: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO kv_entries").
					WithArgs("quiz_vid1", []byte(`"q"`)).
					WillReturnError(&pgconn.PgError{Code: "53100"})
				mock.ExpectRollback()
			},
			wantErr: true,
		},
		{
			name: "begin failure",
			mockFn: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin().WillReturnError(errors.New("too many connections"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer mock.Close()

			tt.mockFn(mock)

			store := NewKVStore(mock, nil)
			err = store.Set(context.Background(), map[string][]byte{
				"summary_vid1": []byte(`"s"`),
				"quiz_vid1":    []byte(`"q"`),
			})

			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestKVStore_Remove(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer mock.Close()

	keys := []string{"summary_vid1", "quiz_vid1", "chat_vid1"}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM kv_entries").
		WithArgs(keys).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs(changesChannel, `{"op":"remove","keys":["summary_vid1","quiz_vid1","chat_vid1"]}`).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectCommit()

	store := NewKVStore(mock, nil)
	if err := store.Remove(context.Background(), keys...); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestKVStore_Remove_NoKeys(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer mock.Close()

	store := NewKVStore(mock, nil)
	if err := store.Remove(context.Background()); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestKVStore_Remove_LargeBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer mock.Close()

	keys := make([]string, 500)
	for i := range keys {
		keys[i] = fmt.Sprintf("summary_https://example.com/articles/%04d/%s", i, strings.Repeat("x", 40))
	}

	payloads, err := changePayloads(repository.StoreChange{Op: repository.ChangeRemove, Keys: keys})
	if err != nil {
		t.Fatalf("changePayloads() error = %v", err)
	}
	if len(payloads) < 2 {
		t.Fatalf("len(payloads) = %d, want a split batch", len(payloads))
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM kv_entries").
		WithArgs(keys).
		WillReturnResult(pgxmock.NewResult("DELETE", int64(len(keys))))
	for _, p := range payloads {
		mock.ExpectExec("SELECT pg_notify").
			WithArgs(changesChannel, p).
			WillReturnResult(pgxmock.NewResult("SELECT", 1))
	}
	mock.ExpectCommit()

	store := NewKVStore(mock, nil)
	if err := store.Remove(context.Background(), keys...); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestChangePayloads(t *testing.T) {
	tests := []struct {
		name      string
		keys      []string
		wantKeys  []string
		wantCount int
	}{
		{
			name:      "small change fits one payload",
			keys:      []string{"summary_vid1", "quiz_vid1"},
			wantKeys:  []string{"summary_vid1", "quiz_vid1"},
			wantCount: 1,
		},
		{
			name:      "oversized key is skipped",
			keys:      []string{"summary_vid1", "chat_" + strings.Repeat("y", maxNotifyPayload)},
			wantKeys:  []string{"summary_vid1"},
			wantCount: 1,
		},
		{
			name:      "only oversized keys",
			keys:      []string{"chat_" + strings.Repeat("<", maxNotifyPayload/2)},
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payloads, err := changePayloads(repository.StoreChange{Op: repository.ChangeSet, Keys: tt.keys})
			if err != nil {
				t.Fatalf("changePayloads() error = %v", err)
			}
			if len(payloads) != tt.wantCount {
				t.Fatalf("len(payloads) = %d, want %d", len(payloads), tt.wantCount)
			}

			var got []string
			for _, p := range payloads {
				var change repository.StoreChange
				if err := json.Unmarshal([]byte(p), &change); err != nil {
					t.Fatalf("payload is not a StoreChange: %v", err)
				}
				got = append(got, change.Keys...)
			}
			if strings.Join(got, ",") != strings.Join(tt.wantKeys, ",") {
				t.Errorf("keys = %v, want %v", got, tt.wantKeys)
			}
		})
	}
}

func TestChangePayloads_StayUnderLimit(t *testing.T) {
	keys := make([]string, 2000)
	for i := range keys {
		keys[i] = fmt.Sprintf("quiz_%s_%d&<>", strings.Repeat("k", 30), i)
	}

	payloads, err := changePayloads(repository.StoreChange{Op: repository.ChangeRemove, Keys: keys})
	if err != nil {
		t.Fatalf("changePayloads() error = %v", err)
	}

	total := 0
	for _, p := range payloads {
		if len(p) > maxNotifyPayload {
			t.Errorf("payload length = %d, want <= %d", len(p), maxNotifyPayload)
		}
		var change repository.StoreChange
		if err := json.Unmarshal([]byte(p), &change); err != nil {
			t.Fatalf("payload is not a StoreChange: %v", err)
		}
		if change.Op != repository.ChangeRemove {
			t.Errorf("op = %q, want %q", change.Op, repository.ChangeRemove)
		}
		total += len(change.Keys)
	}
	if total != len(keys) {
		t.Errorf("keys across payloads = %d, want %d", total, len(keys))
	}
}

func TestKVStore_Keys(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"key"}).
		AddRow("summary_vid1").
		AddRow("summary_vid2")
	mock.ExpectQuery("SELECT key").
		WithArgs(`summary\_%`).
		WillReturnRows(rows)

	store := NewKVStore(mock, nil)
	keys, err := store.Keys(context.Background(), "summary_")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}

	if len(keys) != 2 || keys[0] != "summary_vid1" || keys[1] != "summary_vid2" {
		t.Errorf("Keys() = %v", keys)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestKVStore_EnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kv_entries").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	store := NewKVStore(mock, nil)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

type fakeListener struct {
	channel       string
	notifications chan *pgconn.Notification
	closed        chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		notifications: make(chan *pgconn.Notification, 4),
		closed:        make(chan struct{}),
	}
}

func (l *fakeListener) Listen(ctx context.Context, channel string) error {
	l.channel = channel
	return nil
}

func (l *fakeListener) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-l.notifications:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Close(ctx context.Context) error {
	close(l.closed)
	return nil
}

func TestKVStore_Watch(t *testing.T) {
	l := newFakeListener()
	store := NewKVStore(nil, func(ctx context.Context) (Listener, error) {
		return l, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if l.channel != changesChannel {
		t.Errorf("listening on %q, want %q", l.channel, changesChannel)
	}

	l.notifications <- &pgconn.Notification{Channel: changesChannel, Payload: "not json"}
	l.notifications <- &pgconn.Notification{
		Channel: changesChannel,
		Payload: `{"op":"set","keys":["auth_install-1"]}`,
	}

	select {
	case got := <-changes:
		if got.Op != repository.ChangeSet || len(got.Keys) != 1 || got.Keys[0] != "auth_install-1" {
			t.Errorf("change = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	cancel()

	select {
	case <-l.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not closed after cancel")
	}
	if _, ok := <-changes; ok {
		t.Error("expected channel to be closed")
	}
}

func TestKVStore_Watch_Unsupported(t *testing.T) {
	store := NewKVStore(nil, nil)
	if _, err := store.Watch(context.Background()); !errors.Is(err, ErrWatchUnsupported) {
		t.Errorf("Watch() error = %v, want %v", err, ErrWatchUnsupported)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"summary_", `summary\_`},
		{"100%", `100\%`},
		{`a\b`, `a\\b`},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		if got := escapeLike(tt.in); got != tt.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
