package errx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// StoreErrorMessage describes relational store failures.
	StoreErrorMessage = "store operation failed"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// EngineErrorMessage describes conversation engine failures.
	EngineErrorMessage = "assistant operation failed"
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// WrapStore wraps a store error with a consistent status code and message.
func WrapStore(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, StoreErrorMessage)
}

// WrapEngine wraps a conversation engine error.
func WrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, EngineErrorMessage)
}

// WrapRedis maps Redis errors to AppError with appropriate status codes.
func WrapRedis(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return New(err, http.StatusNotFound, RedisNotFoundMessage)
	}
	return New(err, http.StatusBadGateway, RedisErrorMessage)
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
