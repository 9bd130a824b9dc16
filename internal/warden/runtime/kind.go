package runtime

import (
	"fmt"
	"strings"
)

// ErrorKind is the canonical error detected in one inspection cycle.
type ErrorKind string

const (
	KindNone                    ErrorKind = ""
	KindAutozError              ErrorKind = "autoz_error"
	KindNoInputText             ErrorKind = "no_input_text"
	KindNanValues               ErrorKind = "nan_values"
	KindBadScfConvergence       ErrorKind = "bad_scf_convergence"
	KindGeometryOptFailed       ErrorKind = "geometry_opt_failed"
	KindExitCode134             ErrorKind = "exit_code_134"
	KindMissingCharge           ErrorKind = "missing_charge"
	KindMissingMultiplicity     ErrorKind = "missing_multiplicity"
	KindEnergyForceInconsistent ErrorKind = "energy_force_inconsistent"
	KindKeywordError            ErrorKind = "keyword_error"
	KindNonConvergent           ErrorKind = "non_convergent"
	KindPendingRelaxation       ErrorKind = "pending_relaxation"
	KindFrozenJob               ErrorKind = "frozen_job"
)

// ErrorClass groups kinds by how they are remediated.
type ErrorClass string

const (
	ClassTransientEnvironmental  ErrorClass = "transient_environmental"
	ClassNumericalNonconvergence ErrorClass = "numerical_nonconvergence"
	ClassAlgorithmicFailure      ErrorClass = "algorithmic_failure"
	ClassStructuralInput         ErrorClass = "structural_input"
	ClassResourceExit            ErrorClass = "resource_exit"
)

var allKinds = []ErrorKind{
	KindAutozError,
	KindNoInputText,
	KindNanValues,
	KindBadScfConvergence,
	KindGeometryOptFailed,
	KindExitCode134,
	KindMissingCharge,
	KindMissingMultiplicity,
	KindEnergyForceInconsistent,
	KindKeywordError,
	KindNonConvergent,
	KindPendingRelaxation,
	KindFrozenJob,
}

// Kinds returns every known kind in declaration order.
func Kinds() []ErrorKind {
	return append([]ErrorKind{}, allKinds...)
}

// ParseErrorKind accepts the canonical snake_case name plus the CamelCase and
// human-readable spellings used in job logs and operator notes.
func ParseErrorKind(s string) (ErrorKind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "":
		return KindNone, fmt.Errorf("invalid error kind: empty string")
	case "autoz_error", "autozerror", "autoz":
		return KindAutozError, nil
	case "no_input_text", "noinputtext", "missing_input":
		return KindNoInputText, nil
	case "nan_values", "nanvalues", "nan":
		return KindNanValues, nil
	case "bad_scf_convergence", "badscfconvergence", "scf":
		return KindBadScfConvergence, nil
	case "geometry_opt_failed", "geometryoptfailed", "geometry_optimization_failed":
		return KindGeometryOptFailed, nil
	case "exit_code_134", "exitcode134", "exit_134":
		return KindExitCode134, nil
	case "missing_charge", "missingcharge", "molecular_charge_is_not_found":
		return KindMissingCharge, nil
	case "missing_multiplicity", "missingmultiplicity", "molecular_spin_multiplicity_is_not_found":
		return KindMissingMultiplicity, nil
	case "energy_force_inconsistent", "energyforceinconsistent", "energy_f_inconsistent":
		return KindEnergyForceInconsistent, nil
	case "keyword_error", "keyworderror":
		return KindKeywordError, nil
	case "non_convergent", "nonconvergent":
		return KindNonConvergent, nil
	case "pending_relaxation", "pendingrelaxation":
		return KindPendingRelaxation, nil
	case "frozen_job", "frozenjob", "frozen":
		return KindFrozenJob, nil
	default:
		return KindNone, fmt.Errorf("invalid error kind: %q", s)
	}
}

func (k ErrorKind) Valid() bool {
	if k == KindNone {
		return false
	}
	_, err := ParseErrorKind(string(k))
	return err == nil
}

// Class reports the remediation family of the kind.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindFrozenJob:
		return ClassTransientEnvironmental
	case KindNonConvergent, KindPendingRelaxation:
		return ClassNumericalNonconvergence
	case KindBadScfConvergence, KindGeometryOptFailed:
		return ClassAlgorithmicFailure
	case KindExitCode134:
		return ClassResourceExit
	default:
		return ClassStructuralInput
	}
}

// SignalOnly kinds never produce a corrective mutation and are never terminal;
// the supervisory loop decides what to do with the process.
func (k ErrorKind) SignalOnly() bool {
	return k == KindFrozenJob
}

func (k ErrorKind) String() string {
	if k == KindNone {
		return "none"
	}
	return string(k)
}
