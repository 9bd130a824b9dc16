package ladder

import (
	"fmt"
	"strings"

	"github.com/danshapiro/simwarden/internal/warden/ledger"
	"github.com/danshapiro/simwarden/internal/warden/qcinput"
	"github.com/danshapiro/simwarden/internal/warden/scan"
)

// GeometryLadder is the fixed geometry optimization ordering.
func GeometryLadder() []string {
	return []string{"increase_iter", "gdiis", "cartesian"}
}

var geomBlock = ledger.Block{Tag: ledger.TagGeomOpt}

// Older ledgers spell the rungs differently.
var geomAliases = map[string]string{
	"gdiis":      "gdiis",
	"cartcoords": "cartesian",
	"cartesian":  "cartesian",
}

func geometryMethod(method string) string {
	name := strings.ToLower(method)
	if alias, ok := geomAliases[name]; ok {
		return alias
	}
	return name
}

func knownGeometryMethod(method string) bool {
	switch geometryMethod(method) {
	case "increase_iter", "gdiis", "cartesian":
		return true
	}
	return false
}

// Geometry applies the next geometry optimization remedy. Every rung also
// continues from the last printed geometry.
func (c *Controller) Geometry(job *qcinput.Job, rec *scan.Record) (*Mutation, error) {
	if m := c.symmetryFirst(job); m != nil {
		c.logApplied("geometry", m)
		return m, nil
	}
	l := c.lookupKnown(job, geomBlock, knownGeometryMethod)
	if l == nil {
		l = ledger.New(GeometryLadder()...)
	}
	method, ok := l.Advance()
	if !ok {
		c.log.Info("geometry ladder exhausted", "methods", l.Methods)
		return nil, nil
	}
	name := geometryMethod(method)

	before := remSnapshot(job)
	var label string
	switch name {
	case "increase_iter":
		label = "increase optimization cycles"
		job.SetGeomMaxIterations(c.cfg.GeomMaxCycles)
	case "gdiis":
		label = fmt.Sprintf("enable GDIIS (subspace %d)", c.cfg.GDIISSubspace)
		job.SetGeomOptUseGDIIS(c.cfg.GDIISSubspace)
		job.SetGeomMaxIterations(c.cfg.GeomMaxCycles)
	case "cartesian":
		label = "optimize in Cartesian coordinates"
		if err := job.SetGeomOptCoordsType("cartesian"); err != nil {
			return nil, err
		}
		job.SetGeomMaxIterations(c.cfg.GeomMaxCycles)
		job.SetGeomOptUseGDIIS(0)
	}
	changes := remChanges(before, job)
	if g, ok := rec.LastGeometry(); ok && len(g.Atoms) > 0 {
		job.SetGeometry(g.Atoms, g.Charge, g.Multiplicity)
		changes["molecule"] = fmt.Sprintf("%d atoms from the last geometry", len(g.Atoms))
	}
	m := &Mutation{Method: name, Label: label, Changes: changes}
	if err := c.persist(job, geomBlock, l); err != nil {
		return nil, err
	}
	c.logApplied("geometry", m)
	return m, nil
}
