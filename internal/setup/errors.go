package setup

import "errors"

var (
	// ErrAdmissionConflict matches every rejected deploy, refresh or upgrade.
	ErrAdmissionConflict = errors.New("admission conflict")
	// ErrLockHeld additionally matches rejections caused by a refresh or
	// upgrade already in progress on the host.
	ErrLockHeld = errors.New("lock held elsewhere")

	ErrInvalidRequest = errors.New("invalid request")
	ErrNotRefreshed   = errors.New("deployment has not been refreshed yet, refresh before upgrading")
)

const (
	ReasonDeploymentRunning = "another deployment running, wait"
	ReasonProdFirst         = "prod must precede test"
	ReasonAlreadyInstalled  = "already installed"
	ReasonRefreshRunning    = "refresh in progress"
	ReasonUpgradeRunning    = "upgrade in progress"
)

// AdmissionError is a rejection carrying the violated rule as Reason. No
// record is created when one is returned.
type AdmissionError struct {
	Reason   string
	LockHeld bool
	// Err is set when the decision could not be evaluated at all.
	Err error
}

func (e *AdmissionError) Error() string { return e.Reason }

func (e *AdmissionError) Unwrap() error { return e.Err }

func (e *AdmissionError) Is(target error) bool {
	switch target {
	case ErrAdmissionConflict:
		return true
	case ErrLockHeld:
		return e.LockHeld
	}
	return false
}

func reject(reason string) error {
	return &AdmissionError{Reason: reason}
}

func lockHeld(reason string) error {
	return &AdmissionError{Reason: reason, LockHeld: true}
}

// cannotAdmit fails closed when the state needed for a decision is unreadable.
func cannotAdmit(err error) error {
	return &AdmissionError{Reason: "cannot admit: " + err.Error(), Err: err}
}
