package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Type string

const (
	TypeTest Type = "TEST"
	TypeOral Type = "ORAL"
)

type Exam struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Title     string    `json:"title" gorm:"type:text;not null"`
	ExamType  Type      `json:"exam_type" gorm:"type:text;not null"`
	IsActive  bool      `json:"is_active" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (Exam) TableName() string { return "exams" }

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Exam, error)
}

var ErrExamNotFound = errors.New("exam_not_found")
