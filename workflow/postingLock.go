package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireOrderPostingLock serializes processing per provider order across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the posting transaction.
func AcquireOrderPostingLock(tx *gorm.DB, configId uint, externalId string) error {
	lockName := fmt.Sprintf("order:%d:%s", configId, externalId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for order %s (config_id=%d)", externalId, configId)
	}
	return nil
}

func ReleaseOrderPostingLock(tx *gorm.DB, configId uint, externalId string) {
	lockName := fmt.Sprintf("order:%d:%s", configId, externalId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
