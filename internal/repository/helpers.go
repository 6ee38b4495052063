package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound turns sql.ErrNoRows into (nil, nil) for Find* lookups.
//
//	var event model.PairingEvent
//	err := r.db.GetContext(ctx, &event, query, deviceID)
//	return HandleNotFound(&event, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return result, nil
}
