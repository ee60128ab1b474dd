package consts

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMailboxNotFound      = errors.New("mailbox not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrMessageNotFound      = errors.New("message not found")
	ErrMessageNotAvailable  = errors.New("message not available")
	ErrInternalError        = errors.New("internal error")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBCommitTransactionFailed = errors.New("commit failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
