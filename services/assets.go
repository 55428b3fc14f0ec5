package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"deixis/models"
	"deixis/storage"

	"go.uber.org/zap"
)

// assetPrefix ist der Bereich im Bucket, den der Dienst selbst verwaltet.
const assetPrefix = "lessons/"

var (
	ErrAssetsDisabled = errors.New("lesson asset storage is not configured")
	ErrLessonNotReady = errors.New("lesson is not ready")
	ErrAssetNotFound  = errors.New("lesson asset not found")
	ErrExternalAsset  = errors.New("lesson js_path is not stored by this service")
)

// AssetStore ist der Objektspeicher für Lesson-Artefakte.
// Open liefert storage.ErrObjectNotFound für unbekannte Schlüssel.
type AssetStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// AssetService legt die generierten Slides einer Lesson ab und liefert sie wieder aus.
type AssetService struct {
	Lessons *LessonService
	Store   AssetStore
	Logger  *zap.Logger
}

// NewAssetService erstellt den Service. store ist nil, wenn kein Bucket konfiguriert ist.
func NewAssetService(lessons *LessonService, store AssetStore, logger *zap.Logger) *AssetService {
	return &AssetService{Lessons: lessons, Store: store, Logger: logger}
}

// LessonScriptKey ist der Objektschlüssel der Slides einer Lesson.
func LessonScriptKey(lessonID uint) string {
	return fmt.Sprintf("%s%d/slides.js", assetPrefix, lessonID)
}

// Upload speichert das Skript einer pending Lesson und setzt sie auf ready.
func (s *AssetService) Upload(ctx context.Context, lessonID uint, script []byte) (*models.Lesson, error) {
	if s.Store == nil {
		return nil, ErrAssetsDisabled
	}
	lesson, err := s.Lessons.GetLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if !lesson.Status.CanTransitionTo(models.LessonReady) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, lesson.Status, models.LessonReady)
	}

	key := LessonScriptKey(lessonID)
	if err := s.Store.Put(ctx, key, script, "application/javascript"); err != nil {
		return nil, err
	}
	s.Logger.Info("Lesson script stored", zap.Uint("lesson_id", lessonID), zap.String("key", key), zap.Int("bytes", len(script)))
	return s.Lessons.MarkReady(ctx, lessonID, key)
}

// Open liefert das gespeicherte Skript einer ready Lesson. Der Aufrufer schließt den Reader.
// Per PATCH gesetzte Pfade außerhalb von lessons/ werden nicht ausgeliefert.
func (s *AssetService) Open(ctx context.Context, lessonID uint) (io.ReadCloser, error) {
	if s.Store == nil {
		return nil, ErrAssetsDisabled
	}
	lesson, err := s.Lessons.GetLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if lesson.Status != models.LessonReady || lesson.JSPath == nil {
		return nil, ErrLessonNotReady
	}
	key := *lesson.JSPath
	if !strings.HasPrefix(key, assetPrefix) || strings.Contains(key, "..") {
		return nil, ErrExternalAsset
	}

	rc, err := s.Store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	return rc, nil
}
