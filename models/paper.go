package models

import (
	"time"

	"gorm.io/datatypes"
)

// Paper repräsentiert ein über seine DOI referenziertes wissenschaftliches Dokument.
// Titel, Autoren und Abstract bleiben beim Anlegen leer und werden später angereichert.
type Paper struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`

	DOI      string         `json:"doi" gorm:"column:doi;type:text;uniqueIndex;not null"`
	Title    *string        `json:"title" gorm:"type:text"`
	Authors  datatypes.JSON `json:"authors" gorm:"type:jsonb"` // JSON-Array mit Autorennamen
	Abstract *string        `json:"abstract" gorm:"type:text"`

	Lesson *Lesson `json:"lesson,omitempty" gorm:"foreignKey:PaperID"`
}

// TableName gibt explizit den Tabellennamen an.
func (Paper) TableName() string {
	return "papers"
}
