package models

import (
	"fmt"
	"time"
)

// LessonStatus ist der Lebenszyklus eines Lesson-Jobs.
type LessonStatus string

const (
	LessonPending LessonStatus = "pending"
	LessonReady   LessonStatus = "ready"
	LessonError   LessonStatus = "error"
)

// lessonTransitions: erlaubte Zielzustände je Ausgangszustand. ready ist final.
var lessonTransitions = map[LessonStatus][]LessonStatus{
	LessonPending: {LessonReady, LessonError},
	LessonError:   {LessonPending},
}

// ParseLessonStatus wandelt einen String in einen bekannten Status um.
func ParseLessonStatus(s string) (LessonStatus, error) {
	switch st := LessonStatus(s); st {
	case LessonPending, LessonReady, LessonError:
		return st, nil
	default:
		return "", fmt.Errorf("unknown lesson status %q", s)
	}
}

// CanTransitionTo meldet, ob der Wechsel von s nach next erlaubt ist.
func (s LessonStatus) CanTransitionTo(next LessonStatus) bool {
	for _, allowed := range lessonTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesFor liefert alle Zustände, aus denen next erreichbar ist.
func SourcesFor(next LessonStatus) []LessonStatus {
	var out []LessonStatus
	for from, targets := range lessonTransitions {
		for _, to := range targets {
			if to == next {
				out = append(out, from)
			}
		}
	}
	return out
}

// Lesson ist der Generierungs-Job für abgeleitete Inhalte eines Papers.
type Lesson struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`

	PaperID uint   `json:"paper_id" gorm:"not null;uniqueIndex"`
	Paper   *Paper `json:"-"`

	Status LessonStatus `json:"status" gorm:"type:text;not null;default:'pending';check:status IN ('pending','ready','error')"`
	JSPath *string      `json:"js_path" gorm:"column:js_path;type:text"` // Verweis auf das generierte Artefakt
}

// TableName gibt explizit den Tabellennamen an.
func (Lesson) TableName() string {
	return "lessons"
}
