package repository

import (
	"context"

	"github.com/smallbiznis/examly/internal/exam/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Exam, error) {
	var item domain.Exam
	err := db.WithContext(ctx).Raw(
		`SELECT id, title, exam_type, is_active, created_at
		 FROM exams
		 WHERE id = ? AND is_active = ?
		 LIMIT 1`,
		id,
		true,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
