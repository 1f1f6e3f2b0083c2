package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/guidance-notifier/internal/domain"
	"github.com/ignite/guidance-notifier/internal/service/publication"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return db, mock, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	}
}

func TestPublicationRepo_GetNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT(.+)FROM guidance_publications").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := NewPublicationRepo(db).Get(context.Background(), "missing")
	if err != publication.ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPublicationRepo_OpenGraceWindowWinsRace(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	end := now.Add(30 * time.Minute)
	ev := &domain.DeliveryEvent{
		ID:            "ev-1",
		PublicationID: "pub-1",
		RecipientHash: "abc123",
		EventType:     domain.DeliverySent,
		Detail:        "mid-1",
		CreatedAt:     now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE guidance_publications").
		WithArgs(domain.PublicationGraceOpen, now, end, "pub-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO delivery_events").
		WithArgs(ev.ID, ev.PublicationID, ev.RecipientHash, ev.EventType, ev.Detail, ev.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := NewPublicationRepo(db).OpenGraceWindow(context.Background(), "pub-1", now, end, ev)
	if err != nil {
		t.Fatalf("OpenGraceWindow: %v", err)
	}
	if !ok {
		t.Error("OpenGraceWindow() = false, want true when published_at was NULL")
	}
}

func TestPublicationRepo_OpenGraceWindowLosesRace(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	end := now.Add(30 * time.Minute)
	ev := &domain.DeliveryEvent{ID: "ev-1", PublicationID: "pub-1", EventType: domain.DeliverySent, CreatedAt: now}

	// published_at already set: the guarded UPDATE matches no rows and
	// the event insert must not happen inside this transaction.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE guidance_publications").
		WithArgs(domain.PublicationGraceOpen, now, end, "pub-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := NewPublicationRepo(db).OpenGraceWindow(context.Background(), "pub-1", now, end, ev)
	if err != nil {
		t.Fatalf("OpenGraceWindow: %v", err)
	}
	if ok {
		t.Error("OpenGraceWindow() = true, want false when window already open")
	}
}

func TestPublicationRepo_MarkRolledBackAfterWindow(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectExec("UPDATE guidance_publications").
		WithArgs(domain.PublicationRolledBack, now, "mis-send", "pub-1", domain.PublicationFinalized).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := NewPublicationRepo(db).MarkRolledBack(context.Background(), "pub-1", "mis-send", now)
	if err != nil {
		t.Fatalf("MarkRolledBack: %v", err)
	}
	if ok {
		t.Error("MarkRolledBack() = true, want false once the guard rejects the row")
	}
}

func TestPublicationRepo_FinalizeSkipsRolledBack(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectExec("UPDATE guidance_publications").
		WithArgs(domain.PublicationFinalized, now, "pub-1",
			domain.PublicationGraceOpen, domain.PublicationScheduled).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := NewPublicationRepo(db).Finalize(context.Background(), "pub-1", now)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if ok {
		t.Error("Finalize() = true, want false for a rolled-back publication")
	}
}

func TestPublicationRepo_TestSendCompleted(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	done, err := NewPublicationRepo(db).TestSendCompleted(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("TestSendCompleted: %v", err)
	}
	if !done {
		t.Error("TestSendCompleted() = false, want true")
	}
}
