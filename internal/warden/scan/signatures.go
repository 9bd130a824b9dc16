package scan

import "regexp"

// Signature pairs a log pattern with the name it reports.
type Signature struct {
	Name    string
	Pattern *regexp.Regexp
}

func sig(name, expr string) Signature {
	return Signature{Name: name, Pattern: regexp.MustCompile(expr)}
}

var qchemSignatures = []Signature{
	sig(SigAutoz, `Coordinates do not transform within specified threshold`),
	sig(SigNoInputText, `No input text`),
	sig(SigNaN, `(?:^|\s)[Nn][Aa][Nn](?:\s|$)`),
	sig(SigBadSCF, `SCF failed to converge|Convergence failure`),
	sig(SigGeomOptFailed, `MAXIMUM OPTIMIZATION CYCLES REACHED|OPTIMIZE fatal error`),
	sig(SigExitCode134, `(?i)exit codes?:?\s*134\b`),
	sig(SigMissingCharge, `Molecular charge is not found`),
	sig(SigMissingMult, `Molecular spin multip(?:il|l)icity is not found`),
}

var aimsSignatures = []Signature{
	sig(SigEnergyForce, `\*\* Inconsistency of forces<->energy above specified tolerance\.`),
	sig(SigUnknownKeyword, `\* Unknown keyword`),
}

func matchLine(table []Signature, line string, into map[string]bool) {
	for _, s := range table {
		if into[s.Name] {
			continue
		}
		if s.Pattern.MatchString(line) {
			into[s.Name] = true
		}
	}
}
