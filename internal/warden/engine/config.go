package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/simwarden/internal/warden/relax"
	"github.com/danshapiro/simwarden/internal/warden/scan"
	"github.com/danshapiro/simwarden/internal/warden/stale"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type QChemConfig struct {
	Input             string  `json:"input,omitempty" yaml:"input,omitempty" toml:"input,omitempty"`
	Output            string  `json:"output,omitempty" yaml:"output,omitempty" toml:"output,omitempty"`
	RCAGDMThreshold   float64 `json:"rca_gdm_thresh,omitempty" yaml:"rca_gdm_thresh,omitempty" toml:"rca_gdm_thresh,omitempty"`
	SCFMaxCycles      int     `json:"scf_max_cycles,omitempty" yaml:"scf_max_cycles,omitempty" toml:"scf_max_cycles,omitempty"`
	GeomMaxCycles     int     `json:"geom_max_cycles,omitempty" yaml:"geom_max_cycles,omitempty" toml:"geom_max_cycles,omitempty"`
	GDIISSubspace     int     `json:"gdiis_subspace,omitempty" yaml:"gdiis_subspace,omitempty" toml:"gdiis_subspace,omitempty"`
	IntegralThreshold int     `json:"integral_threshold,omitempty" yaml:"integral_threshold,omitempty" toml:"integral_threshold,omitempty"`
	MaxOptResets      int     `json:"max_opt_resets,omitempty" yaml:"max_opt_resets,omitempty" toml:"max_opt_resets,omitempty"`
}

type AimsConfig struct {
	Output            string        `json:"output,omitempty" yaml:"output,omitempty" toml:"output,omitempty"`
	Control           string        `json:"control,omitempty" yaml:"control,omitempty" toml:"control,omitempty"`
	Override          string        `json:"override,omitempty" yaml:"override,omitempty" toml:"override,omitempty"`
	Ledger            string        `json:"ledger,omitempty" yaml:"ledger,omitempty" toml:"ledger,omitempty"`
	Geometry          string        `json:"geometry,omitempty" yaml:"geometry,omitempty" toml:"geometry,omitempty"`
	NextStep          string        `json:"next_step,omitempty" yaml:"next_step,omitempty" toml:"next_step,omitempty"`
	MinIterationFloor int           `json:"min_iteration_floor,omitempty" yaml:"min_iteration_floor,omitempty" toml:"min_iteration_floor,omitempty"`
	Stages            []relax.Stage `json:"stages,omitempty" yaml:"stages,omitempty" toml:"stages,omitempty"`
}

type RunConfigFile struct {
	Version int         `json:"version" yaml:"version" toml:"version"`
	Family  scan.Family `json:"family" yaml:"family" toml:"family"`
	// Dir is the job directory. Relative file names below resolve against it.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty" toml:"dir,omitempty"`

	QChem QChemConfig `json:"qchem,omitempty" yaml:"qchem,omitempty" toml:"qchem,omitempty"`
	Aims  AimsConfig  `json:"aims,omitempty" yaml:"aims,omitempty" toml:"aims,omitempty"`

	Backup struct {
		Extra []string `json:"extra,omitempty" yaml:"extra,omitempty" toml:"extra,omitempty"`
	} `json:"backup,omitempty" yaml:"backup,omitempty" toml:"backup,omitempty"`

	Staleness struct {
		// TimeoutSeconds defaults to one hour when unset; a negative value
		// turns the frozen-job check off.
		TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"`
	} `json:"staleness,omitempty" yaml:"staleness,omitempty" toml:"staleness,omitempty"`

	Validate struct {
		Marker    string   `json:"marker,omitempty" yaml:"marker,omitempty" toml:"marker,omitempty"`
		Required  []string `json:"required,omitempty" yaml:"required,omitempty" toml:"required,omitempty"`
		Forbidden []string `json:"forbidden,omitempty" yaml:"forbidden,omitempty" toml:"forbidden,omitempty"`
	} `json:"validate,omitempty" yaml:"validate,omitempty" toml:"validate,omitempty"`

	StatusLog string `json:"status_log,omitempty" yaml:"status_log,omitempty" toml:"status_log,omitempty"`
	Result    string `json:"result,omitempty" yaml:"result,omitempty" toml:"result,omitempty"`
	PIDFile   string `json:"pid_file,omitempty" yaml:"pid_file,omitempty" toml:"pid_file,omitempty"`

	Logging struct {
		Level  string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty"`
		Format string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty"`
	} `json:"logging,omitempty" yaml:"logging,omitempty" toml:"logging,omitempty"`
}

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = decodeJSONStrict(b, &cfg)
	case ".toml":
		err = decodeTOMLStrict(b, &cfg)
	default:
		err = decodeYAMLStrict(b, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = filepath.Dir(path)
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultRunConfig is the configuration used when no config file is given.
func DefaultRunConfig(family scan.Family, dir string) (*RunConfigFile, error) {
	cfg := &RunConfigFile{Family: family, Dir: dir}
	applyConfigDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func decodeTOMLStrict(b []byte, cfg *RunConfigFile) error {
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("toml: unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.Family = scan.Family(strings.ToLower(strings.TrimSpace(string(cfg.Family))))
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = "."
	}
	cfg.QChem.Input = firstNonEmpty(cfg.QChem.Input, "mol.qcinp")
	cfg.QChem.Output = firstNonEmpty(cfg.QChem.Output, "mol.qcout")
	cfg.Aims.Output = firstNonEmpty(cfg.Aims.Output, "run")
	cfg.Aims.Control = firstNonEmpty(cfg.Aims.Control, "control.in")
	cfg.Aims.Override = firstNonEmpty(cfg.Aims.Override, "control.update.in")
	cfg.Aims.Ledger = firstNonEmpty(cfg.Aims.Ledger, cfg.Aims.Control+".ledger")
	cfg.Aims.Geometry = firstNonEmpty(cfg.Aims.Geometry, "geometry.in")
	cfg.Aims.NextStep = firstNonEmpty(cfg.Aims.NextStep, cfg.Aims.Geometry+".next_step")
	if cfg.Aims.MinIterationFloor <= 0 {
		cfg.Aims.MinIterationFloor = 50
	}
	if len(cfg.Aims.Stages) == 0 {
		cfg.Aims.Stages = relax.DefaultStages()
	}
	if cfg.Staleness.TimeoutSeconds == 0 {
		cfg.Staleness.TimeoutSeconds = int(stale.DefaultTimeout / time.Second)
	}
	cfg.StatusLog = firstNonEmpty(cfg.StatusLog, "LOG_OUT")
	cfg.Result = firstNonEmpty(cfg.Result, "simwarden.result.json")
	cfg.PIDFile = firstNonEmpty(cfg.PIDFile, "job.pid")
	cfg.Logging.Level = firstNonEmpty(cfg.Logging.Level, "info")
	cfg.Logging.Format = firstNonEmpty(cfg.Logging.Format, "text")
	cfg.Backup.Extra = trimNonEmpty(cfg.Backup.Extra)
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	switch cfg.Family {
	case scan.FamilyQChem, scan.FamilyAims:
	default:
		return fmt.Errorf("invalid family: %q (want qchem|aims)", cfg.Family)
	}
	if cfg.QChem.RCAGDMThreshold < 0 {
		return fmt.Errorf("qchem.rca_gdm_thresh must be >= 0")
	}
	if cfg.QChem.SCFMaxCycles < 0 || cfg.QChem.GeomMaxCycles < 0 || cfg.QChem.GDIISSubspace < 0 || cfg.QChem.IntegralThreshold < 0 || cfg.QChem.MaxOptResets < 0 {
		return fmt.Errorf("qchem cycle and threshold settings must be >= 0")
	}
	for i, s := range cfg.Aims.Stages {
		if s.Rho <= 0 || s.Eev <= 0 || s.Etot <= 0 {
			return fmt.Errorf("aims.stages[%d]: thresholds must be > 0", i)
		}
		if s.ExtraIterations < 0 {
			return fmt.Errorf("aims.stages[%d].extra_iterations must be >= 0", i)
		}
	}
	for _, pat := range cfg.Backup.Extra {
		if filepath.IsAbs(pat) || strings.HasPrefix(filepath.ToSlash(pat), "../") {
			return fmt.Errorf("backup.extra pattern %q must stay inside the job directory", pat)
		}
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format: %q (want text|json)", cfg.Logging.Format)
	}
	return nil
}

// path resolves a configured file name against the job directory.
func (cfg *RunConfigFile) path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cfg.Dir, name)
}

func trimNonEmpty(parts []string) []string {
	var out []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
