package database

import (
	"context"
	"errors"
	"sort"

	"ipgate/internal/domain"

	"gorm.io/gorm"
)

const blockedAddressInsertBatchSize = 500

// ListBlockedAddresses returns every stored violation record ordered by address.
func ListBlockedAddresses(ctx context.Context) ([]domain.BlockedAddress, error) {
	if DB == nil {
		return nil, errors.New("database not initialised")
	}

	db := DB
	if ctx != nil {
		db = db.WithContext(ctx)
	}

	var rows []domain.BlockedAddress
	if err := db.Order("address ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ReplaceBlockedAddresses makes the table hold exactly rows, in one transaction.
func ReplaceBlockedAddresses(ctx context.Context, rows []domain.BlockedAddress) error {
	if DB == nil {
		return errors.New("database not initialised")
	}

	db := DB
	if ctx != nil {
		db = db.WithContext(ctx)
	}

	sorted := append([]domain.BlockedAddress(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Delete(&domain.BlockedAddress{}).Error; err != nil {
			return err
		}
		if len(sorted) == 0 {
			return nil
		}
		return tx.CreateInBatches(&sorted, blockedAddressInsertBatchSize).Error
	})
}
