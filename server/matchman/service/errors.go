package service

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindEmbeddingProvider Kind = "EMBEDDING_PROVIDER"
	KindStorage           Kind = "STORAGE"
	KindStoreCorruption   Kind = "STORE_CORRUPTION"
	KindStoreUnavailable  Kind = "STORE_UNAVAILABLE"
)

// Error is the error type returned by every matching operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func validationError(op, message string) *Error {
	return newError(KindValidation, op, message, nil)
}

func providerError(op string, err error) *Error {
	return newError(KindEmbeddingProvider, op, "embedding provider failed", err)
}

func storageError(op string, err error) *Error {
	return newError(KindStorage, op, "store write failed", err)
}

func corruptionError(op, message string) *Error {
	return newError(KindStoreCorruption, op, message, nil)
}

func unavailableError(op string, err error) *Error {
	return newError(KindStoreUnavailable, op, "store unavailable", err)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool        { return KindOf(err) == KindValidation }
func IsEmbeddingProvider(err error) bool { return KindOf(err) == KindEmbeddingProvider }
func IsStorage(err error) bool           { return KindOf(err) == KindStorage }
func IsStoreCorruption(err error) bool   { return KindOf(err) == KindStoreCorruption }
func IsStoreUnavailable(err error) bool  { return KindOf(err) == KindStoreUnavailable }
