package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/affirmcall/internal/callflow"
	"github.com/MrWong99/affirmcall/internal/speechcache"
	"github.com/MrWong99/affirmcall/internal/transcription"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// rowOf returns a row that assigns values to the scan destinations in order.
func rowOf(values ...any) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error { return assign(dest, values) }}
}

func errRow(err error) *mockRow {
	return &mockRow{scanFunc: func(...any) error { return err }}
}

type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return assign(dest, r.data[r.idx-1]) }

func assign(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			if v != nil {
				*d = v.([]byte)
			}
		case *int64:
			*d = v.(int64)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v != nil {
				t := v.(time.Time)
				*d = &t
			}
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

type mockDB struct {
	mu           sync.Mutex
	execs        []execCall
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return errRow(pgx.ErrNoRows)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	m.execs = append(m.execs, execCall{sql, args})
	m.mu.Unlock()
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (m *mockDB) lastExec() execCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execs[len(m.execs)-1]
}

func tag(s string) func(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag(s), nil
	}
}

// ---------------------------------------------------------------------------
// Migrate
// ---------------------------------------------------------------------------

func TestMigrate(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 3 {
		t.Fatalf("execs = %d, want 3", len(db.execs))
	}
	for _, table := range []string{"call_sessions", "transcription_jobs", "transcription_dead_letters", "speech_cache"} {
		if !strings.Contains(Schema, table) {
			t.Errorf("schema missing %s", table)
		}
	}

	db = &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}}
	if err := Migrate(context.Background(), db); err == nil || !strings.Contains(err.Error(), "migrate") {
		t.Errorf("err = %v, want wrapped migrate error", err)
	}
}

// ---------------------------------------------------------------------------
// SessionStore
// ---------------------------------------------------------------------------

func TestSessionStore_Create(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: tag("INSERT 0 1")}
	st := NewSessionStore(db)
	s := &callflow.Session{CallID: "c1", State: callflow.StateDialing, PendingActionToken: "T0"}

	if err := st.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Version != 1 {
		t.Errorf("version = %d, want 1", s.Version)
	}
	args := db.lastExec().args
	if args[0] != "c1" || args[1] != "dialing" || args[2] != int64(1) {
		t.Errorf("args = %v", args[:3])
	}
	var stored callflow.Session
	if err := json.Unmarshal(args[3].([]byte), &stored); err != nil || stored.PendingActionToken != "T0" {
		t.Errorf("stored document = %+v (%v)", stored, err)
	}

	db.execFunc = func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
	}
	if err := st.Create(context.Background(), &callflow.Session{CallID: "c1"}); !errors.Is(err, callflow.ErrExists) {
		t.Errorf("err = %v, want ErrExists", err)
	}
}

func TestSessionStore_Get(t *testing.T) {
	t.Parallel()
	doc, _ := json.Marshal(callflow.Session{CallID: "c1", State: callflow.StateAwaitingRepeat, Turns: 2})
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != "c1" {
			return errRow(pgx.ErrNoRows)
		}
		return rowOf(doc, int64(7))
	}}
	st := NewSessionStore(db)

	s, err := st.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.State != callflow.StateAwaitingRepeat || s.Turns != 2 || s.Version != 7 {
		t.Errorf("session = %+v", s)
	}
	if _, err := st.Get(context.Background(), "missing"); !errors.Is(err, callflow.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionStore_CompareAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("applied", func(t *testing.T) {
		db := &mockDB{execFunc: tag("UPDATE 1")}
		s := &callflow.Session{CallID: "c1", State: callflow.StateGreeting}
		if err := NewSessionStore(db).CompareAndSwap(ctx, s, 3); err != nil {
			t.Fatalf("CompareAndSwap: %v", err)
		}
		if s.Version != 4 {
			t.Errorf("version = %d, want 4", s.Version)
		}
		args := db.lastExec().args
		if args[2] != int64(4) || args[5] != int64(3) {
			t.Errorf("version args = %v, %v", args[2], args[5])
		}
	})

	t.Run("conflict", func(t *testing.T) {
		db := &mockDB{
			execFunc:     tag("UPDATE 0"),
			queryRowFunc: func(context.Context, string, ...any) pgx.Row { return rowOf(int64(5)) },
		}
		s := &callflow.Session{CallID: "c1", Version: 3}
		err := NewSessionStore(db).CompareAndSwap(ctx, s, 3)
		if !errors.Is(err, callflow.ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
		if s.Version != 3 {
			t.Errorf("version changed on conflict: %d", s.Version)
		}
	})

	t.Run("missing", func(t *testing.T) {
		db := &mockDB{execFunc: tag("UPDATE 0")}
		err := NewSessionStore(db).CompareAndSwap(ctx, &callflow.Session{CallID: "gone"}, 1)
		if !errors.Is(err, callflow.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestSessionStore_PurgeTerminal(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: tag("DELETE 4")}
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n, err := NewSessionStore(db).PurgeTerminal(context.Background(), cutoff)
	if err != nil || n != 4 {
		t.Fatalf("PurgeTerminal = (%d, %v), want 4", n, err)
	}
	args := db.lastExec().args
	if args[0] != "ended" || args[1] != "failed" || args[2] != cutoff {
		t.Errorf("args = %v", args)
	}
}

func TestSessionStore_ListStalled(t *testing.T) {
	t.Parallel()
	a, _ := json.Marshal(callflow.Session{CallID: "a", State: callflow.StateGreeting})
	b, _ := json.Marshal(callflow.Session{CallID: "b", State: callflow.StateTranscribing})
	rows := &mockRows{data: [][]any{{a, int64(3)}, {b, int64(9)}}}
	var gotArgs []any
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotArgs = args
		return rows, nil
	}}
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := NewSessionStore(db).ListStalled(context.Background(),
		[]callflow.State{callflow.StateGreeting, callflow.StateTranscribing}, cutoff)
	if err != nil {
		t.Fatalf("ListStalled: %v", err)
	}
	if len(got) != 2 || got[0].CallID != "a" || got[0].Version != 3 || got[1].Version != 9 {
		t.Fatalf("sessions = %+v", got)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
	if strings.Join(gotArgs[0].([]string), ",") != "greeting,transcribing" || gotArgs[1] != cutoff {
		t.Errorf("args = %v", gotArgs)
	}
}

// ---------------------------------------------------------------------------
// JobStore / DeadLetterStore
// ---------------------------------------------------------------------------

func TestJobStore_GetRestoresAudio(t *testing.T) {
	t.Parallel()
	doc, _ := json.Marshal(transcription.Job{JobID: "j1", CallID: "c1", Status: transcription.StatusPending})
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != "j1" {
			return errRow(pgx.ErrNoRows)
		}
		return rowOf(doc, []byte("wav"), "audio/wav")
	}}
	st := NewJobStore(db)

	j, err := st.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(j.Audio) != "wav" || j.ContentType != "audio/wav" || j.Status != transcription.StatusPending {
		t.Errorf("job = %+v", j)
	}
	if _, err := st.Get(context.Background(), "nope"); !errors.Is(err, transcription.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestJobStore_CreateOmitsAudioFromDocument(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: tag("INSERT 0 1")}
	j := &transcription.Job{JobID: "j1", CallID: "c1", Status: transcription.StatusPending, Audio: []byte("wav")}
	if err := NewJobStore(db).Create(context.Background(), j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	args := db.lastExec().args
	if strings.Contains(string(args[3].([]byte)), "wav") {
		t.Error("recording leaked into the JSON document")
	}
	if string(args[4].([]byte)) != "wav" {
		t.Errorf("audio arg = %v", args[4])
	}
	if args[7] != (*time.Time)(nil) {
		t.Errorf("completed_at = %v, want NULL", args[7])
	}
}

func TestJobStore_UpdateConflict(t *testing.T) {
	t.Parallel()
	db := &mockDB{
		execFunc:     tag("UPDATE 0"),
		queryRowFunc: func(context.Context, string, ...any) pgx.Row { return rowOf("timed_out") },
	}
	j := &transcription.Job{JobID: "j1", Status: transcription.StatusCompleted}
	err := NewJobStore(db).Update(context.Background(), j, transcription.StatusInProgress)
	if !errors.Is(err, transcription.ErrStatusConflict) {
		t.Fatalf("err = %v, want ErrStatusConflict", err)
	}

	db.queryRowFunc = nil
	if err := NewJobStore(db).Update(context.Background(), j, transcription.StatusInProgress); !errors.Is(err, transcription.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestJobStore_ListActive(t *testing.T) {
	t.Parallel()
	a, _ := json.Marshal(transcription.Job{JobID: "a", Status: transcription.StatusPending})
	b, _ := json.Marshal(transcription.Job{JobID: "b", Status: transcription.StatusRetryPending})
	rows := &mockRows{data: [][]any{{a, []byte("1"), "audio/mpeg"}, {b, nil, ""}}}
	var gotStatuses []string
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotStatuses = args[0].([]string)
		return rows, nil
	}}

	jobs, err := NewJobStore(db).ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(jobs) != 2 || jobs[0].JobID != "a" || jobs[1].JobID != "b" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
	if strings.Join(gotStatuses, ",") != "pending,in_progress,retry_pending" {
		t.Errorf("statuses = %v", gotStatuses)
	}
}

func TestJobStore_OrphanByCall(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: tag("UPDATE 2")}
	at := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	n, err := NewJobStore(db).OrphanByCall(context.Background(), "c1", at)
	if err != nil || n != 2 {
		t.Fatalf("OrphanByCall = (%d, %v), want 2", n, err)
	}
	last := db.lastExec()
	for _, want := range []string{"'orphaned', true", "audio = NULL", "completed_at = $4"} {
		if !strings.Contains(last.sql, want) {
			t.Errorf("query lacks %q: %s", want, last.sql)
		}
	}
	if last.args[3] != at || last.args[4] != transcription.OrphanedError {
		t.Errorf("args = %v", last.args)
	}
}

func TestDeadLetterStore_GetAndList(t *testing.T) {
	t.Parallel()
	dl := transcription.DeadLetter{Job: transcription.Job{JobID: "j1", FailureCount: 4}, Reason: "boom"}
	doc, _ := json.Marshal(dl)
	db := &mockDB{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row { return rowOf(doc, []byte("wav"), "audio/wav") },
		queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &mockRows{data: [][]any{{doc}}}, nil
		},
	}
	st := NewDeadLetterStore(db)

	got, err := st.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Reason != "boom" || got.Job.FailureCount != 4 || string(got.Job.Audio) != "wav" {
		t.Errorf("dead letter = %+v", got)
	}
	list, err := st.List(context.Background())
	if err != nil || len(list) != 1 || list[0].Job.Audio != nil {
		t.Errorf("List = (%+v, %v)", list, err)
	}
}

// ---------------------------------------------------------------------------
// SpeechTier
// ---------------------------------------------------------------------------

func TestSpeechTier(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != "k1" {
			return errRow(pgx.ErrNoRows)
		}
		return rowOf([]byte("mp3"), "audio/mpeg", created, created.Add(time.Hour), int64(3))
	}}
	tier := NewSpeechTier(db)
	tier.now = func() time.Time { return created }
	ctx := context.Background()

	if tier.Name() != "shared" {
		t.Errorf("Name = %q", tier.Name())
	}
	e, ok, err := tier.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v)", ok, err)
	}
	if string(e.Audio) != "mp3" || e.TTL != time.Hour || e.HitCount != 3 {
		t.Errorf("entry = %+v", e)
	}
	if _, ok, err := tier.Get(ctx, "k2"); ok || err != nil {
		t.Errorf("miss = (%v, %v)", ok, err)
	}

	if err := tier.Put(ctx, speechcache.Entry{Key: "k3", Audio: []byte("x"), ContentType: "audio/mpeg"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	args := db.lastExec().args
	if args[3] != created || args[4] != (*time.Time)(nil) {
		t.Errorf("put args = %v", args)
	}

	db.execFunc = tag("DELETE 9")
	if n, err := tier.PurgeExpired(ctx, created); err != nil || n != 9 {
		t.Errorf("PurgeExpired = (%d, %v)", n, err)
	}
}

// ---------------------------------------------------------------------------
// AdvisoryLocker
// ---------------------------------------------------------------------------

type fakeConn struct {
	mu       sync.Mutex
	sqls     []string
	released bool
	err      error
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sqls = append(c.sqls, sql)
	return pgconn.NewCommandTag("SELECT 1"), c.err
}

func (c *fakeConn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

func TestAdvisoryLocker(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	l := &AdvisoryLocker{acquire: func(context.Context) (lockConn, error) { return conn, nil }}

	unlock, err := l.Lock(context.Background(), "key")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if conn.released {
		t.Fatal("connection released while the lock is held")
	}
	unlock()
	if !conn.released || len(conn.sqls) != 2 || !strings.Contains(conn.sqls[1], "pg_advisory_unlock") {
		t.Errorf("conn = %+v", conn)
	}

	failing := &fakeConn{err: errors.New("canceling statement")}
	l = &AdvisoryLocker{acquire: func(context.Context) (lockConn, error) { return failing, nil }}
	if _, err := l.Lock(context.Background(), "key"); err == nil {
		t.Fatal("expected lock error")
	}
	if !failing.released {
		t.Error("connection leaked after failed lock")
	}
}

func TestStore_LockerRequiresPool(t *testing.T) {
	t.Parallel()
	s := New(&mockDB{})
	if s.Locker() != nil {
		t.Error("Locker without pool should be nil")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
