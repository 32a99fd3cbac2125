/*
Package remote implements the typed HTTP client for a node daemon and the
event-stream wire protocol shared with pkg/session.

Every daemon error is classified into one of three conditions the
orchestration layer distinguishes: ErrAuthentication (terminal, never
retried), ErrNotFound (the success signal for delete polling), and
ConnectionError (retryable: sessions back off, workflows poll with capped
attempts). The daemon itself is opaque; this package only speaks its
documented HTTP and websocket contract.
*/
package remote
