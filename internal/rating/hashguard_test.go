package rating

import (
	"context"
	"math/rand"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestFingerprintValidity(t *testing.T) {
	for _, h := range []int64{-1, 0, 1} {
		if ValidHash(h) {
			t.Errorf("ValidHash(%d) = true, want false", h)
		}
	}
	if !ValidHash(Fingerprint("A", "B")) {
		t.Error("real fingerprint should be valid")
	}
	if Fingerprint("A", "B") == Fingerprint("A", "C") {
		t.Error("different context text must change the fingerprint")
	}
}

func TestHashGuardInvalidatesOnMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// Stored fingerprint is for (A, B); the task now reads (A, C).
	h1 := Fingerprint("A", "B")
	h2 := Fingerprint("A", "C")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(task,''\), COALESCE\(task_branches,''\)`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"task", "task_branches"}).AddRow("A", "C"))
	mock.ExpectQuery(`SELECT hash FROM __task__kt_hash`).
		WithArgs(int64(42), "branches").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow(h1))
	mock.ExpectExec(`UPDATE crawl_tasks SET updated_at = NOW\(\)`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec(`DELETE FROM rate_contacts`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 100))
	mock.ExpectExec(`UPDATE aap_audience_audiencetask SET subscribers_limit = 0`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO __task__kt_hash`).
		WithArgs(int64(42), "branches", h2).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	g := NewGuard(db, nil)
	changed, err := g.GuardTask(context.Background(), 42, "branches")
	if err != nil {
		t.Fatalf("GuardTask() error: %v", err)
	}
	if !changed {
		t.Error("GuardTask() = false, want invalidation")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHashGuardNoopWhenFingerprintMatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	h := Fingerprint("A", "B")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(task,''\), COALESCE\(task_branches,''\)`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"task", "task_branches"}).AddRow("A", "B"))
	mock.ExpectQuery(`SELECT hash FROM __task__kt_hash`).
		WithArgs(int64(42), "branches").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow(h))
	mock.ExpectCommit()

	g := NewGuard(db, nil)
	changed, err := g.GuardTask(context.Background(), 42, "branches")
	if err != nil {
		t.Fatalf("GuardTask() error: %v", err)
	}
	if changed {
		t.Error("GuardTask() = true for matching fingerprint, want false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAdmissionGuardRate(t *testing.T) {
	// subscribers_limit=100, rated=95, batch=20, parallel=10:
	// remaining = 100 + 20 - 95 = 25, p = 25/200 = 0.125.
	rng := rand.New(rand.NewSource(7))
	const trials = 10000
	admitted := 0
	for i := 0; i < trials; i++ {
		if admitBatch(rng, 25, 20, 10) {
			admitted++
		}
	}
	rate := float64(admitted) / trials
	if rate < 0.11 || rate > 0.14 {
		t.Errorf("admission rate = %.4f, want within [0.11, 0.14]", rate)
	}
}

func TestAdmissionGuardBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if !admitBatch(rng, 200, 20, 10) {
		t.Error("remaining >= window must always admit")
	}
	if admitBatch(rng, 0, 20, 10) {
		t.Error("remaining 0 must never admit")
	}
	if admitBatch(rng, -5, 20, 10) {
		t.Error("negative remaining must never admit")
	}
}

func TestQueueRotate(t *testing.T) {
	q := []queueEntry{{JobID: 1}, {JobID: 2}, {JobID: 3}}
	q = rotate(q)
	want := []int64{2, 3, 1}
	for i, w := range want {
		if q[i].JobID != w {
			t.Errorf("after rotate, q[%d].JobID = %d, want %d", i, q[i].JobID, w)
		}
	}
	one := rotate([]queueEntry{{JobID: 9}})
	if len(one) != 1 || one[0].JobID != 9 {
		t.Errorf("rotating a single-entry queue changed it: %v", one)
	}
}
