package db

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestDSN(t *testing.T) {
	got := DSN(config.DBConfig{Host: "10.0.0.5", Port: 3306, Database: "roundhouse"})
	want := "root@tcp(10.0.0.5:3306)/roundhouse?parseTime=true"
	if got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}

func TestConnect_Sqlite(t *testing.T) {
	db, err := Connect(config.DBConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	if _, err := Connect(config.DBConfig{Driver: "postgres"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestTurnLifecycle(t *testing.T) {
	db := testDB(t)

	rec, err := StartTurn(db, models.TurnRecord{
		ConversationKey: "slack:C1:1700.1",
		SessionID:       "sess-1",
		Backend:         "opencode",
		Platform:        "slack",
		UserName:        "dana",
		Query:           "run the tests",
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if rec.ID == 0 || rec.Status != "active" {
		t.Errorf("rec = %+v", rec)
	}

	if err := CompleteTurn(db, rec.ID); err != nil {
		t.Fatalf("CompleteTurn: %v", err)
	}

	var got models.TurnRecord
	if err := db.First(&got, rec.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" || got.CompletedAt == nil {
		t.Errorf("got = %+v", got)
	}
}

func TestFailTurn(t *testing.T) {
	db := testDB(t)

	rec, err := StartTurn(db, models.TurnRecord{ConversationKey: "discord:chan-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := FailTurn(db, rec.ID, errors.New("worker unreachable")); err != nil {
		t.Fatalf("FailTurn: %v", err)
	}

	var got models.TurnRecord
	if err := db.First(&got, rec.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != "failed" || got.Error != "worker unreachable" {
		t.Errorf("got = %+v", got)
	}
}

func TestRecentTurns_Order(t *testing.T) {
	db := testDB(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := StartTurn(db, models.TurnRecord{
			ConversationKey: "slack:C1",
			Query:           string(rune('a' + i)),
			StartedAt:       base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	turns, err := RecentTurns(db, 2)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].Query != "c" || turns[1].Query != "b" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestExpireStaleTurns(t *testing.T) {
	db := testDB(t)

	old, err := StartTurn(db, models.TurnRecord{
		ConversationKey: "slack:C1",
		StartedAt:       time.Now().Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := StartTurn(db, models.TurnRecord{ConversationKey: "slack:C2"})
	if err != nil {
		t.Fatal(err)
	}

	n, err := ExpireStaleTurns(db, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ExpireStaleTurns: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d rows, want 1", n)
	}

	var gotOld, gotFresh models.TurnRecord
	if err := db.First(&gotOld, old.ID).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.First(&gotFresh, fresh.ID).Error; err != nil {
		t.Fatal(err)
	}
	if gotOld.Status != "failed" {
		t.Errorf("old status = %q, want failed", gotOld.Status)
	}
	if gotFresh.Status != "active" {
		t.Errorf("fresh status = %q, want active", gotFresh.Status)
	}
}

func TestLogWorkerEvent(t *testing.T) {
	db := testDB(t)

	err := LogWorkerEvent(db, models.WorkerLog{
		ConversationKey: "slack:C1",
		Backend:         "opencode",
		Port:            4101,
		Event:           "restart",
		Detail:          "health probe timeout",
	})
	if err != nil {
		t.Fatalf("LogWorkerEvent: %v", err)
	}

	var count int64
	if err := db.Model(&models.WorkerLog{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
