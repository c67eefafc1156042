// Package services contains the business logic of the workshop assistant
// backend: token accounting, chat session management, message sequencing,
// turn orchestration, and quota notifications. Services sit between the HTTP
// and WebSocket transports and the repo layer, and return the sentinel errors
// defined here so transports can map them to stable error codes.
package services

import "errors"

// Sentinel errors returned by the service layer. Handlers translate these to
// HTTP status codes and machine-readable error codes; the WebSocket handler
// translates them to error frames.
var (
	// ErrThreadNotFound indicates the thread does not exist, is soft-deleted,
	// or is not visible to the caller.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrMessageNotFound indicates the message does not exist in the thread.
	ErrMessageNotFound = errors.New("message not found")

	// ErrWorkshopNotFound indicates the workshop does not exist.
	ErrWorkshopNotFound = errors.New("workshop not found")

	// ErrWorkshopInactive indicates the workshop tenant has been deactivated;
	// quota checks fail closed.
	ErrWorkshopInactive = errors.New("workshop inactive")

	// ErrNotAMember indicates the user has no active membership in the
	// workshop.
	ErrNotAMember = errors.New("not a workshop member")

	// ErrRoleInsufficient indicates the member's role does not permit the
	// operation (viewers cannot consume AI turns or edit messages).
	ErrRoleInsufficient = errors.New("role does not permit this operation")

	// ErrQuotaExceeded indicates the workshop's shared monthly token pool
	// cannot cover the estimated cost of the turn.
	ErrQuotaExceeded = errors.New("monthly token quota exceeded")

	// ErrVersionConflict indicates an optimistic-concurrency failure: the
	// thread changed since the caller last read it.
	ErrVersionConflict = errors.New("thread version conflict")

	// ErrSequenceRace indicates an append lost the sequence-number race twice
	// in a row, which should not happen under the locked append protocol.
	ErrSequenceRace = errors.New("message sequence race")

	// ErrInvalidTransition indicates the requested thread status change is not
	// allowed by the lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid thread status transition")

	// ErrThreadNotActive indicates a chat turn was attempted on a completed or
	// archived thread.
	ErrThreadNotActive = errors.New("thread is not active")

	// ErrEmptyMessage indicates a blank or whitespace-only message body.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrMessageTooLong indicates the message body exceeds the configured
	// maximum length.
	ErrMessageTooLong = errors.New("message content too long")

	// ErrUpstreamAI indicates the AI provider call failed or timed out. No
	// tokens are debited for a failed turn.
	ErrUpstreamAI = errors.New("ai provider unavailable")
)
