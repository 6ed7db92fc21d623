package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSpec marks a malformed benchmark definition (bad XML/YAML,
	// missing required attribute, unknown reference).
	ErrSpec = errors.New("jube: invalid benchmark specification")
	// ErrConsistency marks an inconsistent definition: a duplicate
	// parameterset or step name, a cyclic step dependency, or a parameter
	// conflict detected during ParameterSet merge.
	ErrConsistency = errors.New("jube: inconsistent parameter definition")
	// ErrOperationFailed marks a shell operation that exited non-zero or
	// whose error_filename gate tripped.
	ErrOperationFailed = errors.New("jube: operation failed")
	// ErrPending names the state of a workpackage still waiting on an async
	// gate or an unfinished dependency. No engine code returns it:
	// Workpackage.Run reports a pending workpackage as a nil error with Done
	// false, and the scheduler re-queues it.
	ErrPending = errors.New("jube: workpackage pending")
	// ErrIncompatibleCombination marks a use-group whose parameters
	// collide with one already bound, outside any permitted update phase.
	ErrIncompatibleCombination = errors.New("jube: incompatible parameter combination")
	// ErrPersistence marks a failure reading or writing run state
	// (workpackages.xml, the configuration.yaml snapshot, analyse.xml or a
	// result table).
	ErrPersistence = errors.New("jube: persistence failure")
	// ErrVersionMismatch marks a resumed run whose on-disk state was
	// written by an incompatible schema version.
	ErrVersionMismatch = errors.New("jube: state version mismatch")
)
