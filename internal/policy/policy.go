// Package policy holds per-field conflict handling rules loaded from YAML.
package policy

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Kind selects the normalization applied when comparing values of a field.
type Kind string

const (
	KindText     Kind = "text"
	KindName     Kind = "name"
	KindCode     Kind = "code"
	KindDate     Kind = "date"
	KindDateTime Kind = "datetime"
	KindList     Kind = "list"
	KindMoney    Kind = "money"
)

// OnConflict selects what happens to a high-confidence conflicting value.
type OnConflict string

const (
	// ConflictConfirm asks the user. This is the default for every field.
	ConflictConfirm OnConflict = "confirm"
	// ConflictKeepCurrent records the candidate for audit and keeps the active value.
	ConflictKeepCurrent OnConflict = "keep_current"
	// ConflictTakeNewer applies the candidate without asking.
	ConflictTakeNewer OnConflict = "take_newer"
)

// Criticality ranks how much damage a wrong value does.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityNormal   Criticality = "normal"
	CriticalityLow      Criticality = "low"
)

// Config is the top-level policy file.
type Config struct {
	Defaults FieldPolicy            `yaml:"defaults"`
	Fields   map[string]FieldPolicy `yaml:"fields"`
}

// FieldPolicy configures one field.
type FieldPolicy struct {
	Kind        Kind        `yaml:"kind"`
	Criticality Criticality `yaml:"criticality"`
	OnConflict  OnConflict  `yaml:"on_conflict"`
	// Anchor names a sibling field whose unchanged value makes a change of
	// this field additive rather than conflicting.
	Anchor string `yaml:"anchor,omitempty"`
}

// RequiresConfirmation reports whether a conflicting value must be confirmed.
// Critical fields are always confirmed, whatever on_conflict says.
func (p FieldPolicy) RequiresConfirmation() bool {
	return p.Criticality == CriticalityCritical || p.OnConflict == ConflictConfirm || p.OnConflict == ""
}

// Default returns the built-in policy used when no file is configured.
func Default() *Config {
	return &Config{
		Defaults: FieldPolicy{Criticality: CriticalityNormal, OnConflict: ConflictConfirm},
		Fields: map[string]FieldPolicy{
			"hotel_name":                {Kind: KindName, Criticality: CriticalityCritical},
			"hotel_confirmation_code":   {Kind: KindCode, Criticality: CriticalityNormal, Anchor: "hotel_name"},
			"flight_number":             {Kind: KindCode, Criticality: CriticalityCritical},
			"flight_confirmation_code":  {Kind: KindCode, Criticality: CriticalityNormal, Anchor: "flight_number"},
			"confirmation_code":         {Kind: KindCode, Criticality: CriticalityNormal},
			"check_in":                  {Kind: KindDate, Criticality: CriticalityCritical},
			"check_out":                 {Kind: KindDate, Criticality: CriticalityCritical},
			"departure_time":            {Kind: KindDateTime, Criticality: CriticalityCritical},
			"arrival_time":              {Kind: KindDateTime, Criticality: CriticalityCritical},
			"travelers":                 {Kind: KindList},
			"seat":                      {Kind: KindCode, Criticality: CriticalityLow, OnConflict: ConflictTakeNewer},
			"room_type":                 {Kind: KindText, Criticality: CriticalityLow, OnConflict: ConflictTakeNewer},
			"total_price":               {Kind: KindMoney},
			"hotel_address":             {Kind: KindName, Anchor: "hotel_name"},
		},
	}
}

// Load reads a policy file. Fields missing a setting inherit it from defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: read %s", path)
	}
	return Parse(data)
}

// Parse decodes a policy document. The YAML has a top-level "policy" key.
func Parse(data []byte) (*Config, error) {
	var wrapper struct {
		Policy Config `yaml:"policy"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "policy: parse")
	}

	cfg := &wrapper.Policy
	if cfg.Defaults.OnConflict == "" {
		cfg.Defaults.OnConflict = ConflictConfirm
	}
	if cfg.Defaults.Criticality == "" {
		cfg.Defaults.Criticality = CriticalityNormal
	}
	for name, fp := range cfg.Fields {
		if fp.OnConflict == "" {
			fp.OnConflict = cfg.Defaults.OnConflict
		}
		if fp.Criticality == "" {
			fp.Criticality = cfg.Defaults.Criticality
		}
		if err := fp.validate(); err != nil {
			return nil, eris.Wrapf(err, "policy: field %s", name)
		}
		cfg.Fields[name] = fp
	}
	return cfg, nil
}

func (p FieldPolicy) validate() error {
	switch p.OnConflict {
	case ConflictConfirm, ConflictKeepCurrent, ConflictTakeNewer:
	default:
		return eris.Errorf("unknown on_conflict %q", p.OnConflict)
	}
	switch p.Kind {
	case "", KindText, KindName, KindCode, KindDate, KindDateTime, KindList, KindMoney:
	default:
		return eris.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}

// For returns the policy for a field, falling back to defaults with the kind
// inferred from the field name.
func (c *Config) For(field string) FieldPolicy {
	fp, ok := c.Fields[field]
	if !ok {
		fp = c.Defaults
	}
	if fp.Kind == "" {
		fp.Kind = InferKind(field)
	}
	if fp.OnConflict == "" {
		fp.OnConflict = ConflictConfirm
	}
	return fp
}

// InferKind guesses a field's kind from naming conventions.
func InferKind(field string) Kind {
	f := strings.ToLower(field)
	switch {
	case strings.HasSuffix(f, "_time") || strings.HasSuffix(f, "_at"):
		return KindDateTime
	case strings.HasSuffix(f, "_date") || f == "check_in" || f == "check_out" || f == "date":
		return KindDate
	case strings.HasSuffix(f, "_code") || strings.HasSuffix(f, "_number") || strings.HasSuffix(f, "_reference") || f == "pnr":
		return KindCode
	case strings.HasSuffix(f, "_name") || f == "destination" || f == "city" || strings.HasSuffix(f, "_airport"):
		return KindName
	case strings.HasSuffix(f, "_price") || strings.HasSuffix(f, "_amount") || f == "price" || f == "total":
		return KindMoney
	case f == "travelers" || f == "passengers" || f == "guests" || f == "activities":
		return KindList
	default:
		return KindText
	}
}
