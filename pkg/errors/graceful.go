// Package errors provides startup error handling that avoids abrupt
// os.Exit calls from deep inside initialization code. Fatal conditions
// are reported to the handler; main waits on it and exits once.
package errors

import (
	"fmt"
	"log"
	"os"
)

type FatalError struct {
	Operation string
	Err       error
}

func (f *FatalError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", f.Operation, f.Err)
}

func (f *FatalError) Unwrap() error {
	return f.Err
}

type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
}

// Fatal reports a fatal startup failure and requests exit.
func (eh *ErrorHandler) Fatal(operation string, err error) {
	eh.logger.Printf("FATAL: %v", &FatalError{Operation: operation, Err: err})

	select {
	case eh.exitChannel <- 1:
	default:
	}
}

// ConfigError reports a configuration loading failure and requests exit.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}

	select {
	case eh.exitChannel <- 1:
	default:
	}
}

// ValidationError reports an invalid configuration value and requests
// exit.
func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)

	select {
	case eh.exitChannel <- 1:
	default:
	}
}

// WaitForExit blocks until a fatal error has been reported and returns
// the exit code.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}
