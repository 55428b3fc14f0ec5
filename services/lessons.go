package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deixis/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrEmptyDOI          = errors.New("doi must not be empty")
	ErrLessonNotFound    = errors.New("lesson not found")
	ErrInvalidTransition = errors.New("lesson status transition not allowed")
	ErrMissingJSPath     = errors.New("js_path is required for a ready lesson")
)

// LessonRequest ist die Nachricht an den Content-Generator für eine pending Lesson.
type LessonRequest struct {
	LessonID uint   `json:"lesson_id"`
	PaperID  uint   `json:"paper_id"`
	DOI      string `json:"doi"`
}

// Dispatcher übergibt pending Lessons an den externen Content-Generator.
type Dispatcher interface {
	Publish(ctx context.Context, req LessonRequest) error
}

// LessonTransitioner meldet den Fortschritt des Content-Generators an eine Lesson.
type LessonTransitioner interface {
	MarkReady(ctx context.Context, lessonID uint, jsPath string) (*models.Lesson, error)
	MarkFailed(ctx context.Context, lessonID uint) (*models.Lesson, error)
	Retry(ctx context.Context, lessonID uint) (*models.Lesson, error)
}

// LookupResult ist das Ergebnis von GetOrCreate.
type LookupResult struct {
	Paper   *models.Paper
	Created bool
}

// LessonService verwaltet Paper und Lessons.
type LessonService struct {
	DB         *gorm.DB
	Logger     *zap.Logger
	Dispatcher Dispatcher
}

// NewLessonService erstellt den Service. dispatcher darf nil sein.
func NewLessonService(db *gorm.DB, logger *zap.Logger, dispatcher Dispatcher) *LessonService {
	return &LessonService{DB: db, Logger: logger, Dispatcher: dispatcher}
}

// NormalizeDOI entfernt Leerzeichen am Rand und schreibt die DOI klein.
func NormalizeDOI(doi string) string {
	return strings.ToLower(strings.TrimSpace(doi))
}

// GetOrCreate liefert das Paper zu doi samt Lesson und legt beide an, wenn die DOI unbekannt ist.
// Das INSERT hängt an der eindeutigen doi-Spalte. Bei parallelen Aufrufen für dieselbe DOI
// entsteht genau eine Zeile und nur ein Aufrufer meldet Created.
func (s *LessonService) GetOrCreate(ctx context.Context, rawDOI string) (*LookupResult, error) {
	doi := NormalizeDOI(rawDOI)
	if doi == "" {
		return nil, ErrEmptyDOI
	}

	paper, err := s.findByDOI(ctx, doi)
	if err == nil {
		return &LookupResult{Paper: paper}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var lesson *models.Lesson
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := models.Paper{DOI: doi}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doi"}},
			DoNothing: true,
		}).Create(&p)
		if res.Error != nil {
			return fmt.Errorf("insert paper: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// eine andere Anfrage hat das Paper zwischen Lesen und INSERT angelegt
			return nil
		}

		l := models.Lesson{PaperID: p.ID, Status: models.LessonPending}
		if err := tx.Create(&l).Error; err != nil {
			return fmt.Errorf("insert lesson: %w", err)
		}
		lesson = &l
		return nil
	})
	if err != nil {
		return nil, err
	}

	paper, err = s.findByDOI(ctx, doi)
	if err != nil {
		return nil, fmt.Errorf("reload paper: %w", err)
	}

	created := lesson != nil
	if created {
		s.Logger.Info("Created paper and pending lesson",
			zap.String("doi", doi), zap.Uint("paper_id", paper.ID), zap.Uint("lesson_id", lesson.ID))
		s.dispatch(ctx, LessonRequest{LessonID: lesson.ID, PaperID: paper.ID, DOI: paper.DOI})
	}
	return &LookupResult{Paper: paper, Created: created}, nil
}

func (s *LessonService) findByDOI(ctx context.Context, doi string) (*models.Paper, error) {
	var paper models.Paper
	if err := s.DB.WithContext(ctx).Preload("Lesson").Where("doi = ?", doi).First(&paper).Error; err != nil {
		return nil, err
	}
	return &paper, nil
}

// GetLesson lädt eine Lesson mit ihrem Paper.
func (s *LessonService) GetLesson(ctx context.Context, id uint) (*models.Lesson, error) {
	var lesson models.Lesson
	if err := s.DB.WithContext(ctx).Preload("Paper").First(&lesson, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLessonNotFound
		}
		return nil, err
	}
	return &lesson, nil
}

// MarkReady setzt eine pending Lesson auf ready und speichert den Pfad des generierten Skripts.
func (s *LessonService) MarkReady(ctx context.Context, lessonID uint, jsPath string) (*models.Lesson, error) {
	jsPath = strings.TrimSpace(jsPath)
	if jsPath == "" {
		return nil, ErrMissingJSPath
	}
	return s.transition(ctx, lessonID, models.LessonReady, map[string]any{"js_path": jsPath})
}

// MarkFailed setzt eine pending Lesson auf error.
func (s *LessonService) MarkFailed(ctx context.Context, lessonID uint) (*models.Lesson, error) {
	return s.transition(ctx, lessonID, models.LessonError, nil)
}

// Retry setzt eine fehlgeschlagene Lesson zurück auf pending und übergibt sie erneut.
func (s *LessonService) Retry(ctx context.Context, lessonID uint) (*models.Lesson, error) {
	lesson, err := s.transition(ctx, lessonID, models.LessonPending, nil)
	if err != nil {
		return nil, err
	}
	if lesson.Paper != nil {
		s.dispatch(ctx, LessonRequest{LessonID: lesson.ID, PaperID: lesson.PaperID, DOI: lesson.Paper.DOI})
	}
	return lesson, nil
}

// Transition führt den angegebenen Statuswechsel aus.
func (s *LessonService) Transition(ctx context.Context, lessonID uint, next models.LessonStatus, jsPath string) (*models.Lesson, error) {
	switch next {
	case models.LessonReady:
		return s.MarkReady(ctx, lessonID, jsPath)
	case models.LessonError:
		return s.MarkFailed(ctx, lessonID)
	case models.LessonPending:
		return s.Retry(ctx, lessonID)
	default:
		return nil, ErrInvalidTransition
	}
}

// transition ändert die Zeile nur, wenn der aktuelle Status nach next wechseln darf.
func (s *LessonService) transition(ctx context.Context, lessonID uint, next models.LessonStatus, extra map[string]any) (*models.Lesson, error) {
	updates := map[string]any{"status": next}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.DB.WithContext(ctx).
		Model(&models.Lesson{}).
		Where("id = ? AND status IN ?", lessonID, models.SourcesFor(next)).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update lesson status: %w", res.Error)
	}

	lesson, err := s.GetLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, lesson.Status, next)
	}

	s.Logger.Info("Lesson status changed",
		zap.Uint("lesson_id", lessonID), zap.String("status", string(next)))
	return lesson, nil
}

// StalePending listet Lessons, die länger als olderThan pending sind.
func (s *LessonService) StalePending(ctx context.Context, olderThan time.Duration) ([]models.Lesson, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var lessons []models.Lesson
	err := s.DB.WithContext(ctx).
		Preload("Paper").
		Where("status = ? AND updated_at < ?", models.LessonPending, cutoff).
		Order("id").
		Find(&lessons).Error
	if err != nil {
		return nil, fmt.Errorf("list stale lessons: %w", err)
	}
	return lessons, nil
}

// Redispatch versendet hängende pending Lessons erneut und liefert deren Anzahl.
func (s *LessonService) Redispatch(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.Dispatcher == nil {
		return 0, nil
	}
	lessons, err := s.StalePending(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, l := range lessons {
		if l.Paper == nil {
			continue
		}
		req := LessonRequest{LessonID: l.ID, PaperID: l.PaperID, DOI: l.Paper.DOI}
		if err := s.Dispatcher.Publish(ctx, req); err != nil {
			s.Logger.Warn("Redispatch failed", zap.Uint("lesson_id", l.ID), zap.Error(err))
			continue
		}
		// updated_at anfassen, sonst geht die Lesson beim nächsten Lauf wieder raus
		if err := s.DB.WithContext(ctx).Model(&models.Lesson{}).
			Where("id = ? AND status = ?", l.ID, models.LessonPending).
			Update("updated_at", time.Now().UTC()).Error; err != nil {
			s.Logger.Warn("Failed to touch redispatched lesson", zap.Uint("lesson_id", l.ID), zap.Error(err))
		}
		sent++
	}
	return sent, nil
}

// dispatch versendet req. Fehler werden nur geloggt, der Redispatch-Job holt die Lesson später nach.
func (s *LessonService) dispatch(ctx context.Context, req LessonRequest) {
	if s.Dispatcher == nil {
		return
	}
	if err := s.Dispatcher.Publish(ctx, req); err != nil {
		s.Logger.Warn("Failed to dispatch lesson", zap.Uint("lesson_id", req.LessonID), zap.Error(err))
	}
}
