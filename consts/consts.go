package consts

// AdvisoryLockID guards PostgreSQL schema migrations against a concurrently
// running server instance.
const AdvisoryLockID int64 = 923187110
