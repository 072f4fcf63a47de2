package db

import (
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to MySQL, or to SQLite when the DSN starts with "sqlite:".
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		return gorm.Open(gormsqlite.Open(path), cfg)
	}
	return gorm.Open(mysql.Open(dsn), cfg)
}
