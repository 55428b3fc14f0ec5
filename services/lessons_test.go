package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"deixis/models"
	"deixis/storage/storagetest"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []LessonRequest
	err  error
}

func (f *fakeDispatcher) Publish(_ context.Context, req LessonRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestService(t *testing.T) (*LessonService, *fakeDispatcher) {
	t.Helper()
	d := &fakeDispatcher{}
	return NewLessonService(storagetest.Open(t), zap.NewNop(), d), d
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	svc, d := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "10.1/xyz")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if !first.Created {
		t.Fatal("first call should create")
	}
	if first.Paper.Lesson == nil {
		t.Fatal("first call should return the lesson")
	}

	second, err := svc.GetOrCreate(ctx, "10.1/xyz")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.Created {
		t.Fatal("second call should not create")
	}
	if second.Paper.ID != first.Paper.ID {
		t.Fatalf("paper id = %d, want %d", second.Paper.ID, first.Paper.ID)
	}
	if second.Paper.Lesson == nil || second.Paper.Lesson.ID != first.Paper.Lesson.ID {
		t.Fatalf("lesson = %+v, want id %d", second.Paper.Lesson, first.Paper.Lesson.ID)
	}
	if d.count() != 1 {
		t.Fatalf("dispatched %d lessons, want 1", d.count())
	}
}

func TestGetOrCreateNormalizesDOI(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "  10.1000/ABC  ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Paper.DOI != "10.1000/abc" {
		t.Fatalf("doi = %q, want %q", first.Paper.DOI, "10.1000/abc")
	}

	second, err := svc.GetOrCreate(ctx, "10.1000/abc")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if second.Created || second.Paper.ID != first.Paper.ID {
		t.Fatalf("lookup = created %v id %d, want existing id %d", second.Created, second.Paper.ID, first.Paper.ID)
	}
}

func TestGetOrCreateDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.GetOrCreate(context.Background(), "10.5555/defaults")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p := res.Paper
	if p.Title != nil || p.Abstract != nil || len(p.Authors) != 0 {
		t.Fatalf("new paper should have empty metadata, got title=%v authors=%s abstract=%v", p.Title, p.Authors, p.Abstract)
	}
	if p.ID == 0 || p.CreatedAt.IsZero() {
		t.Fatalf("server-assigned fields missing: id=%d created_at=%v", p.ID, p.CreatedAt)
	}
	l := p.Lesson
	if l.Status != models.LessonPending {
		t.Fatalf("status = %q, want pending", l.Status)
	}
	if l.JSPath != nil {
		t.Fatalf("js_path = %q, want nil", *l.JSPath)
	}
	if l.PaperID != p.ID || l.UpdatedAt.IsZero() {
		t.Fatalf("lesson not linked or timestamps missing: %+v", l)
	}
}

func TestGetOrCreateRejectsBlankDOI(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.GetOrCreate(context.Background(), "   "); !errors.Is(err, ErrEmptyDOI) {
		t.Fatalf("err = %v, want ErrEmptyDOI", err)
	}
}

func TestGetOrCreateConcurrentSameDOI(t *testing.T) {
	svc, d := newTestService(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*LookupResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.GetOrCreate(ctx, "10.1/race")
		}(i)
	}
	wg.Wait()

	created := 0
	var paperID uint
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i].Created {
			created++
		}
		if paperID == 0 {
			paperID = results[i].Paper.ID
		} else if results[i].Paper.ID != paperID {
			t.Fatalf("paper id = %d, want %d", results[i].Paper.ID, paperID)
		}
	}
	if created != 1 {
		t.Fatalf("%d callers created the paper, want exactly 1", created)
	}

	var papers, lessons int64
	svc.DB.Model(&models.Paper{}).Where("doi = ?", "10.1/race").Count(&papers)
	svc.DB.Model(&models.Lesson{}).Count(&lessons)
	if papers != 1 || lessons != 1 {
		t.Fatalf("rows = %d papers, %d lessons, want 1 and 1", papers, lessons)
	}
	if d.count() != created {
		t.Fatalf("dispatched %d, want %d", d.count(), created)
	}
}

// Ein zweiter Prozess legt Paper und Lesson an, nachdem die eigene Suche nichts gefunden hat,
// aber bevor das eigene INSERT läuft.
func TestGetOrCreateLosesInsertRace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "race.db")
	db := storagetest.OpenPath(t, path)
	other := storagetest.OpenPath(t, path)
	d := &fakeDispatcher{}
	svc := NewLessonService(db, zap.NewNop(), d)

	fired := false
	err := db.Callback().Create().Before("gorm:create").Register("test:concurrent_insert", func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "papers" {
			return
		}
		fired = true
		err := other.Transaction(func(otx *gorm.DB) error {
			p := models.Paper{DOI: "10.1/contended"}
			if err := otx.Create(&p).Error; err != nil {
				return err
			}
			return otx.Create(&models.Lesson{PaperID: p.ID, Status: models.LessonPending}).Error
		})
		if err != nil {
			t.Errorf("concurrent insert: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	res, err := svc.GetOrCreate(context.Background(), "10.1/contended")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !fired {
		t.Fatal("concurrent insert did not run")
	}
	if res.Created {
		t.Fatal("losing caller reported created")
	}
	if res.Paper.Lesson == nil || res.Paper.Lesson.Status != models.LessonPending {
		t.Fatalf("lesson = %+v, want the winner's pending lesson", res.Paper.Lesson)
	}

	var papers, lessons int64
	db.Model(&models.Paper{}).Count(&papers)
	db.Model(&models.Lesson{}).Count(&lessons)
	if papers != 1 || lessons != 1 {
		t.Fatalf("rows = %d papers, %d lessons, want 1 and 1", papers, lessons)
	}
	if d.count() != 0 {
		t.Fatalf("dispatched %d, want 0", d.count())
	}
}

func TestGetOrCreateToleratesMissingLesson(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.DB.Create(&models.Paper{DOI: "10.1/orphan"}).Error; err != nil {
		t.Fatalf("seed paper: %v", err)
	}

	res, err := svc.GetOrCreate(context.Background(), "10.1/orphan")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Created || res.Paper.Lesson != nil {
		t.Fatalf("got created=%v lesson=%+v, want existing paper without lesson", res.Created, res.Paper.Lesson)
	}
}

func TestGetOrCreateSurvivesDispatchFailure(t *testing.T) {
	svc, d := newTestService(t)
	d.err = errors.New("broker down")

	res, err := svc.GetOrCreate(context.Background(), "10.1/offline")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.Created || res.Paper.Lesson.Status != models.LessonPending {
		t.Fatalf("got %+v, want created pending lesson", res)
	}
}

func TestLessonTransitions(t *testing.T) {
	svc, d := newTestService(t)
	ctx := context.Background()

	res, err := svc.GetOrCreate(ctx, "10.1/flow")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := res.Paper.Lesson.ID

	if _, err := svc.MarkReady(ctx, id, " "); !errors.Is(err, ErrMissingJSPath) {
		t.Fatalf("ready without path err = %v, want ErrMissingJSPath", err)
	}
	if _, err := svc.Retry(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> pending err = %v, want ErrInvalidTransition", err)
	}

	failed, err := svc.MarkFailed(ctx, id)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != models.LessonError {
		t.Fatalf("status = %q, want error", failed.Status)
	}

	retried, err := svc.Retry(ctx, id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != models.LessonPending || d.count() != 2 {
		t.Fatalf("retry = %q with %d dispatches, want pending and 2", retried.Status, d.count())
	}

	ready, err := svc.MarkReady(ctx, id, "lessons/1/slides.js")
	if err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if ready.Status != models.LessonReady || ready.JSPath == nil || *ready.JSPath != "lessons/1/slides.js" {
		t.Fatalf("ready lesson = %+v", ready)
	}
	if ready.UpdatedAt.Before(ready.CreatedAt) {
		t.Fatalf("updated_at %v before created_at %v", ready.UpdatedAt, ready.CreatedAt)
	}

	if _, err := svc.MarkFailed(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ready -> error err = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.MarkFailed(ctx, 9999); !errors.Is(err, ErrLessonNotFound) {
		t.Fatalf("missing lesson err = %v, want ErrLessonNotFound", err)
	}
}

func TestRedispatchPublishesPendingLessons(t *testing.T) {
	svc, d := newTestService(t)
	ctx := context.Background()

	for _, doi := range []string{"10.1/a", "10.1/b", "10.1/c"} {
		if _, err := svc.GetOrCreate(ctx, doi); err != nil {
			t.Fatalf("create %s: %v", doi, err)
		}
	}
	res, _ := svc.GetOrCreate(ctx, "10.1/c")
	if _, err := svc.MarkFailed(ctx, res.Paper.Lesson.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	before := d.count()

	// negative age puts the cutoff in the future so every pending lesson qualifies
	sent, err := svc.Redispatch(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if d.count()-before != 2 {
		t.Fatalf("published %d, want 2", d.count()-before)
	}

	sent, err = svc.Redispatch(ctx, time.Hour)
	if err != nil {
		t.Fatalf("redispatch fresh: %v", err)
	}
	if sent != 0 {
		t.Fatalf("fresh lessons redispatched: %d", sent)
	}
}
