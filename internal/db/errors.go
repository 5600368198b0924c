package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/uptrace/bun/driver/pgdriver"
)

const (
	sqlStateUniqueViolation = "23505"
	sqlStateFKViolation     = "23503"
)

// UniqueViolation reports whether err is a unique constraint violation and,
// if so, the name of the violated constraint or index.
func UniqueViolation(err error) (string, bool) {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == sqlStateUniqueViolation {
		return pgErr.Field('n'), true
	}
	return "", false
}

// ForeignKeyViolation reports whether err is a foreign key violation.
func ForeignKeyViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == sqlStateFKViolation
}

// Transient reports whether err is a timeout or connection failure worth
// retrying, as opposed to a rejected statement.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		if pgErr.StatementTimeout() {
			return true
		}
		switch pgErr.Field('C') {
		case "57P01", "57P02", "57P03", "53300": // admin shutdown, crash shutdown, cannot connect now, too many connections
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
