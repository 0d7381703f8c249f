// Package remote is the client side of the tally sync service.
//
// The service exposes three endpoints:
//
//	POST {base}/sync/upload    {accountId, data, deletions, timestamp, sessionId}
//	GET  {base}/sync/download  ?accountId=&since=[&claim=1] -> {data, timestamp, sessionActive?}
//	POST {base}/sync/close     {accountId}
//
// Every request carries "Authorization: Bearer <token>" and
// "X-Session-ID: <session>". A response with sessionActive false, or status
// 409, means another session holds the account and is reported as
// ErrSessionConflict.
//
// Errors are classified into sentinels that callers match with errors.Is:
//
//	401, 403                      ErrUnauthorized
//	409, sessionActive:false      ErrSessionConflict
//	network, timeout, 5xx         ErrUnavailable
//	undecodable response body     ErrBadResponse
//
// Only ErrUnavailable is retried, and only when HTTPOptions.RetryAttempts is
// positive.
package remote
