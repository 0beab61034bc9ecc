package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	drivermysql "github.com/go-sql-driver/mysql"

	xerrors "llmblast/internal/errors"
)

// Config 描述 MySQL 连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 建立连接池并在返回前完成一次 Ping。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 MySQL DSN 失败")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	configurePool(db, cfg)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

// normalizeDSN 确保多语句迁移与时间解析所需的参数被打开。
func normalizeDSN(dsn string) (string, error) {
	parsed, err := drivermysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	parsed.ParseTime = true
	// 驱动解析后会把 charset 从 Params 中移走，只能依据原始 DSN 判断。
	if !hasDSNParam(dsn, "charset") {
		if parsed.Params == nil {
			parsed.Params = make(map[string]string)
		}
		parsed.Params["charset"] = "utf8mb4"
	}
	return parsed.FormatDSN(), nil
}

func hasDSNParam(dsn, name string) bool {
	idx := strings.LastIndex(dsn, "?")
	if idx < 0 {
		return false
	}
	for _, pair := range strings.Split(dsn[idx+1:], "&") {
		key, _, _ := strings.Cut(pair, "=")
		if key == name {
			return true
		}
	}
	return false
}

func configurePool(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// IsDuplicateEntry 判断错误是否为主键或唯一索引冲突 (1062)。
func IsDuplicateEntry(err error) bool {
	var mysqlErr *drivermysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
