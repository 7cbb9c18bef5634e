package repository

import "errors"

var (
	// ErrInstallFailed is returned when installing dependencies or artifacts fails
	ErrInstallFailed = errors.New("package installation failed")

	// ErrIndexFailed is returned when the repository index cannot be regenerated
	ErrIndexFailed = errors.New("failed to regenerate repository index")

	// ErrRepositoryLocked is returned when another run holds the repository lock
	ErrRepositoryLocked = errors.New("repository is locked by another run")
)
