package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

func lockedRows(locked bool) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(locked)
}

func TestAdvisoryLocker_TryLock(t *testing.T) {
	tests := []struct {
		name    string
		keys    []string
		mockFn  func(mock pgxmock.PgxPoolIface)
		wantErr error
		wantAny bool
	}{
		{
			name: "takes every key in sorted order",
			keys: []string{"summary_vid1", "quiz_vid1", "chat_vid1", "quiz_vid1"},
			mockFn: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				for _, k := range []string{"chat_vid1", "quiz_vid1", "summary_vid1"} {
					mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
						WithArgs(k).
						WillReturnRows(lockedRows(true))
				}
				mock.ExpectRollback()
			},
		},
		{
			name: "held key ends the transaction",
			keys: []string{"chat_vid1", "quiz_vid1"},
			mockFn: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
					WithArgs("chat_vid1").
					WillReturnRows(lockedRows(true))
				mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
					WithArgs("quiz_vid1").
					WillReturnRows(lockedRows(false))
				mock.ExpectRollback()
			},
			wantErr: repository.ErrLockHeld,
		},
		{
			name: "query failure ends the transaction",
			keys: []string{"chat_vid1"},
			mockFn: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
					WithArgs("chat_vid1").
					WillReturnError(errors.New("connection reset"))
				mock.ExpectRollback()
			},
			wantAny: true,
		},
		{
			name: "begin failure",
			keys: []string{"chat_vid1"},
			mockFn: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin().WillReturnError(errors.New("too many connections"))
			},
			wantAny: true,
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

			ctx := context.Background()
			lease, err := NewAdvisoryLocker(mock).TryLock(ctx, time.Minute, tt.keys...)

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			case tt.wantAny:
				if err == nil {
					t.Fatal("expected error, got nil")
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if err := lease.Release(ctx); err != nil {
					t.Fatalf("Release failed: %v", err)
				}
				if err := lease.Release(ctx); err != nil {
					t.Fatalf("second Release failed: %v", err)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}
