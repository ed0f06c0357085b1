package inbound

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-webhook-ledger/core"
)

func inboundError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func inboundWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	if source == nil {
		return inboundError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func inboundBadInput(message string, metadata map[string]any) *goerrors.Error {
	return inboundError(
		message,
		goerrors.CategoryBadInput,
		http.StatusBadRequest,
		core.ErrorCodeBadInput,
		metadata,
	)
}

func inboundInternal(source error, message string) *goerrors.Error {
	return inboundWrapError(
		source,
		goerrors.CategoryInternal,
		message,
		http.StatusInternalServerError,
		core.ErrorCodeInternal,
		nil,
	)
}

// rejection builds a fresh envelope for the provider so shared sentinels are
// never mutated. Rolled back attempts never expose the storage error.
func rejection(status int, err error) *goerrors.Error {
	if status == http.StatusServiceUnavailable {
		return inboundError(
			"webhook could not be recorded, retry later",
			goerrors.CategoryOperation,
			status,
			core.ErrorCodeOperationFailed,
			nil,
		)
	}
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	mapped := core.MapError(err)
	return inboundError(mapped.Message, mapped.Category, status, mapped.TextCode, nil)
}
