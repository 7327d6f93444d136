package docstore

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/stock_engine/models"
	"gorm.io/gorm"
)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry
}

// translateError maps driver and GORM errors onto the models taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDuplicateEntry:
			return fmt.Errorf("%w: %s", models.ErrAlreadyApplied, mysqlErr.Message)
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout:
			return fmt.Errorf("%w: %s", models.ErrConcurrencyConflict, mysqlErr.Message)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return err
}
