package repository

import (
	"context"
	"errors"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// 视为瞬时争用的 PostgreSQL 错误码
var contentionCodes = map[string]bool{
	"55P03": true, // lock_not_available
	"40P01": true, // deadlock_detected
	"40001": true, // serialization_failure
}

// classify 把驱动错误转换为领域错误，已分类的错误原样返回
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if entity.Kind(err) != "internal" {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && contentionCodes[pgErr.Code] {
		return &entity.StorageContentionError{Op: op, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &entity.StorageContentionError{Op: op, Cause: err}
	}
	return err
}

func notFound(entityName, key string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &entity.NotFoundError{Entity: entityName, Key: key}
	}
	return classify("load "+entityName, err)
}
