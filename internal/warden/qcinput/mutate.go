package qcinput

import "fmt"

// Coordinate systems accepted by geom_opt_coords.
var geomCoords = map[string]int{
	"cartesian":       0,
	"internal":        1,
	"internal_switch": -1,
}

func (j *Job) rem() *Params {
	if j.Rem == nil {
		j.Rem = NewParams()
	}
	return j.Rem
}

// DisableSymmetry turns off point-group symmetry and the symmetry-based
// reorientation that trips the autoz check.
func (j *Job) DisableSymmetry() {
	j.rem().Set("sym_ignore", "true")
	j.rem().Set("symmetry", "false")
}

func (j *Job) SymmetryDisabled() bool {
	return j.rem().Has("sym_ignore")
}

// SetDFTGrid selects a (radial, angular) quadrature grid.
func (j *Job) SetDFTGrid(radial, angular int) {
	j.rem().Set("xc_grid", fmt.Sprintf("%06d%06d", radial, angular))
}

func (j *Job) SetIntegralThreshold(thresh int) {
	j.rem().Set("thresh", thresh)
}

func (j *Job) SetSCFAlgorithmAndIterations(algorithm string, iterations int) {
	j.rem().Set("scf_algorithm", algorithm)
	j.rem().Set("max_scf_cycles", iterations)
}

func (j *Job) SetSCFInitialGuess(guess string) {
	j.rem().Set("scf_guess", guess)
}

func (j *Job) SetGeomMaxIterations(iterations int) {
	j.rem().Set("geom_opt_max_cycles", iterations)
}

// SetGeomOptUseGDIIS sets the GDIIS subspace size; 0 disables it.
func (j *Job) SetGeomOptUseGDIIS(subspace int) {
	j.rem().Set("geom_opt_max_diis", subspace)
}

func (j *Job) SetGeomOptCoordsType(kind string) error {
	v, ok := geomCoords[kind]
	if !ok {
		return fmt.Errorf("unknown coordinate system %q", kind)
	}
	j.rem().Set("geom_opt_coords", v)
	return nil
}

// SetGeometry replaces the molecule with atoms, keeping the stated charge
// and multiplicity and filling them from the fallbacks when absent.
func (j *Job) SetGeometry(atoms []Atom, charge, multiplicity *int) {
	if j.Molecule == nil {
		j.Molecule = &Molecule{}
	}
	m := j.Molecule
	m.Read = false
	m.Atoms = append([]Atom{}, atoms...)
	m.Lines = nil
	if m.Charge == nil && charge != nil {
		c := *charge
		m.Charge = &c
	}
	if m.Multiplicity == nil && multiplicity != nil {
		s := *multiplicity
		m.Multiplicity = &s
	}
}
