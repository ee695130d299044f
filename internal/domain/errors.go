package domain

import "errors"

var (
	// ErrUnsupportedLanguage is returned on a registry miss. No container is created.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrJavaClassNotFound means no public class with a main method was found. No container is created.
	ErrJavaClassNotFound = errors.New("could not find a public class with a main method")

	// ErrWorkspace wraps filesystem failures while preparing a workspace. No container is created.
	ErrWorkspace = errors.New("workspace error")

	// ErrContainerStart wraps engine failures while creating or starting a container.
	ErrContainerStart = errors.New("container start failed")

	// ErrWaitTimeout is returned by ContainerRuntime.Wait when the container outlives its timeout.
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrStreaming wraps faults of the interactive pumps.
	ErrStreaming = errors.New("streaming error")
)
