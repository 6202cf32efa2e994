package storage

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate applies the storage schema using Gorm's AutoMigrate and logs progress.
func Migrate(ctx context.Context, db *gorm.DB, logger *logrus.Logger) error {
	if db == nil {
		return eris.New("gorm DB is required")
	}

	logFields := logrus.Fields{"component": "storage.migrate"}
	if logger != nil {
		logger.WithFields(logFields).Info("applying storage schema")
	}

	if err := db.WithContext(ctx).AutoMigrate(&PageRecord{}, &RevisionRecord{}, &LockRecord{}); err != nil {
		if logger != nil {
			logger.WithFields(logFields).WithField("error", err.Error()).Error("storage schema migration failed")
		}
		return eris.Wrap(err, "auto migrating storage schema")
	}

	if logger != nil {
		logger.WithFields(logFields).Info("storage schema migration complete")
	}

	return nil
}
